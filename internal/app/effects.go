package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"admissions/api/internal/blob"
	"admissions/api/internal/notify"
	"admissions/api/internal/outbox"
	"admissions/api/internal/store"
)

// RegisterHandlers binds the side-effect kinds published by the service to
// their executors on w.
func (s *Service) RegisterHandlers(w *outbox.Worker) {
	w.Register(outbox.KindGC, s.handleGC)
	w.Register(outbox.KindNotify, s.handleNotify)
	w.Register(outbox.KindDeliver, s.handleDeliver)
	w.Register(outbox.KindAudit, s.handleAudit)
}

func (s *Service) handleGC(ctx context.Context, task outbox.Task) error {
	var payload outbox.GCPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	if len(payload.Keys) > 0 {
		for _, key := range payload.Keys {
			if err := s.blobs.Remove(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
				return fmt.Errorf("remove %s: %w", key, err)
			}
		}
		return nil
	}
	removed, err := blob.NewCollector(s.blobs).Collect(ctx, payload.StudentID, payload.ThreadID)
	if err != nil {
		return err
	}
	s.log.Info("thread files collected",
		zap.String("thread_id", payload.ThreadID),
		zap.Int("removed", removed),
	)
	return nil
}

// handleNotify routes an event and queues one delivery per recipient so a
// failed send can be dead-lettered and retried on its own.
func (s *Service) handleNotify(ctx context.Context, task outbox.Task) error {
	var in notify.Input
	if err := task.Decode(&in); err != nil {
		return err
	}
	deliveries, err := s.router.Route(ctx, in)
	if err != nil {
		return fmt.Errorf("route %s: %w", in.Event, err)
	}
	var inline []notify.Delivery
	for _, delivery := range deliveries {
		if !s.outbox.Publish(ctx, outbox.KindDeliver, delivery) {
			inline = append(inline, delivery)
		}
	}
	// the queue refused some deliveries; send those now rather than drop them
	if len(inline) > 0 && s.notifier != nil {
		notify.Dispatch(ctx, s.log, s.notifier, inline)
	}
	return nil
}

func (s *Service) handleDeliver(ctx context.Context, task outbox.Task) error {
	if s.notifier == nil {
		return nil
	}
	var delivery notify.Delivery
	if err := task.Decode(&delivery); err != nil {
		return err
	}
	if err := s.notifier.Send(ctx, delivery.Recipient, delivery.TemplateKey, delivery.Payload); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", delivery.TemplateKey, delivery.UserID, err)
	}
	return nil
}

func (s *Service) handleAudit(ctx context.Context, task outbox.Task) error {
	var record store.AuditRecord
	if err := task.Decode(&record); err != nil {
		return err
	}
	return s.store.InsertAudit(ctx, record)
}
