package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue holds pending tasks and the dead-letter list.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue waits up to wait for a task; wait <= 0 does not block.
	Dequeue(ctx context.Context, wait time.Duration) (Task, bool, error)
	DeadLetter(ctx context.Context, task Task, cause error) error
	DeadLetters(ctx context.Context, limit int64) ([]Task, error)
	// Requeue moves up to limit dead letters back onto the queue, oldest first.
	Requeue(ctx context.Context, limit int64) (int, error)
}

// RedisQueue implements Queue with two Redis lists.
type RedisQueue struct {
	client  *redis.Client
	key     string
	deadKey string
}

// NewRedisQueue connects to Redis and checks the connection.
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisQueueWithClient(client), nil
}

// NewRedisQueueWithClient creates a queue from an existing Redis client
func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:  client,
		key:     "outbox:tasks",
		deadKey: "outbox:dead",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (Task, bool, error) {
	var raw string
	if wait <= 0 {
		value, err := q.client.RPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			return Task{}, false, nil
		}
		if err != nil {
			return Task{}, false, fmt.Errorf("dequeue task: %w", err)
		}
		raw = value
	} else {
		if wait < time.Second {
			wait = time.Second
		}
		values, err := q.client.BRPop(ctx, wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			return Task{}, false, nil
		}
		if err != nil {
			return Task{}, false, fmt.Errorf("dequeue task: %w", err)
		}
		raw = values[1]
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, false, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, true, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, task Task, cause error) error {
	markFailed(&task, cause)
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.client.LPush(ctx, q.deadKey, data).Err(); err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	values, err := q.client.LRange(ctx, q.deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	tasks := make([]Task, 0, len(values))
	for _, value := range values {
		var task Task
		if err := json.Unmarshal([]byte(value), &task); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, limit int64) (int, error) {
	moved := 0
	for limit <= 0 || int64(moved) < limit {
		err := q.client.RPopLPush(ctx, q.deadKey, q.key).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("requeue dead letter: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks if Redis is reachable
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// MemoryQueue is the in-process Queue used when Redis is not configured.
// Pending tasks are lost on restart.
type MemoryQueue struct {
	tasks chan Task
	mu    sync.Mutex
	dead  []Task
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{tasks: make(chan Task, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return errors.New("outbox queue is full")
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (Task, bool, error) {
	if wait <= 0 {
		select {
		case task := <-q.tasks:
			return task, true, nil
		default:
			return Task{}, false, nil
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case task := <-q.tasks:
		return task, true, nil
	case <-timer.C:
		return Task{}, false, nil
	case <-ctx.Done():
		return Task{}, false, ctx.Err()
	}
}

func (q *MemoryQueue) DeadLetter(_ context.Context, task Task, cause error) error {
	markFailed(&task, cause)
	q.mu.Lock()
	defer q.mu.Unlock()
	// newest first, matching the Redis list
	q.dead = append([]Task{task}, q.dead...)
	return nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int64) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > int64(len(q.dead)) {
		limit = int64(len(q.dead))
	}
	return append([]Task(nil), q.dead[:limit]...), nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, limit int64) (int, error) {
	moved := 0
	for limit <= 0 || int64(moved) < limit {
		q.mu.Lock()
		if len(q.dead) == 0 {
			q.mu.Unlock()
			break
		}
		task := q.dead[len(q.dead)-1]
		q.dead = q.dead[:len(q.dead)-1]
		q.mu.Unlock()
		if err := q.Enqueue(ctx, task); err != nil {
			q.mu.Lock()
			q.dead = append(q.dead, task)
			q.mu.Unlock()
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func markFailed(task *Task, cause error) {
	now := time.Now().UTC()
	task.FailedAt = &now
	if cause != nil {
		task.Error = cause.Error()
	}
}
