package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Handler executes one task kind.
type Handler func(ctx context.Context, task Task) error

// Outbox publishes tasks. Publishing never fails the caller: a task that
// cannot be queued is logged and lost.
type Outbox struct {
	queue Queue
	log   *zap.Logger
}

func New(queue Queue, log *zap.Logger) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Outbox{queue: queue, log: log}
}

func (o *Outbox) Queue() Queue {
	return o.queue
}

// Publish queues a side effect and reports whether it was accepted.
func (o *Outbox) Publish(ctx context.Context, kind Kind, payload any) bool {
	task, err := NewTask(kind, payload)
	if err != nil {
		o.log.Error("outbox task rejected", zap.String("kind", string(kind)), zap.Error(err))
		return false
	}
	// the request context may already be cancelled once the response is out
	if err := o.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		o.log.Error("outbox enqueue failed",
			zap.String("kind", string(kind)),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Worker drains the queue. Each task is attempted once; failures go to the
// dead-letter list.
type Worker struct {
	queue    Queue
	handlers map[Kind]Handler
	log      *zap.Logger
	wait     time.Duration
}

func NewWorker(queue Queue, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: queue, handlers: map[Kind]Handler{}, log: log, wait: 2 * time.Second}
}

func (w *Worker) Register(kind Kind, handler Handler) {
	w.handlers[kind] = handler
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("outbox worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("outbox worker stopped")
			return nil
		}
		if _, err := w.process(ctx, w.wait); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Error("outbox dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Drain processes queued tasks without blocking and returns how many ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		ok, err := w.process(ctx, 0)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
}

func (w *Worker) process(ctx context.Context, wait time.Duration) (bool, error) {
	task, ok, err := w.queue.Dequeue(ctx, wait)
	if err != nil || !ok {
		return false, err
	}

	started := time.Now()
	err = w.execute(ctx, task)
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Duration("duration", time.Since(started)),
	}
	if err == nil {
		w.log.Debug("outbox task done", fields...)
		return true, nil
	}

	w.log.Warn("outbox task failed", append(fields, zap.Error(err))...)
	if dlErr := w.queue.DeadLetter(context.WithoutCancel(ctx), task, err); dlErr != nil {
		w.log.Error("outbox dead-letter failed", zap.String("task_id", task.ID), zap.Error(dlErr))
	}
	return true, nil
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	handler, ok := w.handlers[task.Kind]
	if !ok {
		return fmt.Errorf("no handler for %q", task.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}
