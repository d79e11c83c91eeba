package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWorkerDispatchesByKind(t *testing.T) {
	queue, _ := setupTestRedis(t)
	outbox := New(queue, nil)
	worker := NewWorker(queue, nil)

	var collected []GCPayload
	worker.Register(KindGC, func(_ context.Context, task Task) error {
		var payload GCPayload
		if err := task.Decode(&payload); err != nil {
			return err
		}
		collected = append(collected, payload)
		return nil
	})

	ctx := context.Background()
	assert.True(t, outbox.Publish(ctx, KindGC, GCPayload{StudentID: "stu-1", ThreadID: "thr-1"}))
	assert.True(t, outbox.Publish(ctx, KindGC, GCPayload{StudentID: "stu-1", ThreadID: "thr-2"}))

	processed, err := worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, []GCPayload{{StudentID: "stu-1", ThreadID: "thr-1"}, {StudentID: "stu-1", ThreadID: "thr-2"}}, collected)
}

func TestWorkerDeadLettersFailuresOnce(t *testing.T) {
	queue := NewMemoryQueue(8)
	core, logs := observer.New(zap.WarnLevel)
	worker := NewWorker(queue, zap.New(core))

	calls := 0
	worker.Register(KindNotify, func(context.Context, Task) error {
		calls++
		return errors.New("smtp down")
	})
	worker.Register(KindAudit, func(context.Context, Task) error {
		panic("boom")
	})

	ctx := context.Background()
	outbox := New(queue, nil)
	outbox.Publish(ctx, KindNotify, map[string]string{"to": "a"})
	outbox.Publish(ctx, KindAudit, map[string]string{"field": "status"})
	outbox.Publish(ctx, KindGC, GCPayload{})

	processed, err := worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 1, calls, "failed tasks are not retried automatically")

	dead, err := queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 3)
	assert.Equal(t, `no handler for "gc"`, dead[0].Error)
	assert.Equal(t, "handler panic: boom", dead[1].Error)
	assert.Equal(t, "smtp down", dead[2].Error)
	assert.Equal(t, 3, logs.FilterMessage("outbox task failed").Len())
}

func TestPublishNeverFailsCaller(t *testing.T) {
	queue := NewMemoryQueue(1)
	core, logs := observer.New(zap.ErrorLevel)
	outbox := New(queue, zap.New(core))

	assert.True(t, outbox.Publish(context.Background(), KindGC, GCPayload{}))
	assert.False(t, outbox.Publish(context.Background(), KindGC, GCPayload{}))
	assert.False(t, outbox.Publish(context.Background(), KindGC, func() {}))
	assert.Equal(t, 2, logs.Len())
}

func TestPublishIgnoresCancelledRequestContext(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, New(queue, nil).Publish(ctx, KindGC, GCPayload{ThreadID: "thr-1"}))
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	queue := NewMemoryQueue(4)
	worker := NewWorker(queue, nil)
	worker.wait = 10 * time.Millisecond

	done := make(chan struct{})
	worker.Register(KindGC, func(context.Context, Task) error {
		close(done)
		return nil
	})
	New(queue, nil).Publish(context.Background(), KindGC, GCPayload{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- worker.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task not processed")
	}
	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
