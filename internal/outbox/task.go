// Package outbox queues side effects (storage cleanup, notifications, audit)
// that run after the primary write has committed.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"admissions/api/internal/util"
)

type Kind string

const (
	KindGC      Kind = "gc"
	KindNotify  Kind = "notify"
	KindDeliver Kind = "deliver"
	KindAudit   Kind = "audit"
)

// Task is one queued side effect.
type Task struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Error and FailedAt are set once the task is dead-lettered.
	Error    string     `json:"error,omitempty"`
	FailedAt *time.Time `json:"failed_at,omitempty"`
}

func NewTask(kind Kind, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Task{
		ID:         util.NewID("task"),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s task %s: %w", t.Kind, t.ID, err)
	}
	return nil
}

// GCPayload asks for a thread's working directory to be purged. When Keys is
// set only those objects are removed.
type GCPayload struct {
	StudentID string   `json:"student_id"`
	ThreadID  string   `json:"thread_id"`
	Keys      []string `json:"keys,omitempty"`
}
