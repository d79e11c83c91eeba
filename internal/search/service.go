package search

import (
	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	primary  Backend
	fallback Searcher
	log      *zap.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary Backend, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, log: log}
}

// Search tries the primary backend if healthy, otherwise the fallback.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexThread indexes a thread (fire-and-forget).
func (s *Service) IndexThread(t ThreadRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexThreads([]ThreadRecord{t}); err != nil {
			s.log.Warn("index thread failed", zap.String("thread_id", t.ID), zap.Error(err))
		}
	}()
}

// DeleteThread removes a thread from the index (fire-and-forget).
func (s *Service) DeleteThread(id string) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteThread(id); err != nil {
			s.log.Warn("delete thread from index failed", zap.String("thread_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every record to the primary backend synchronously.
func (s *Service) ReindexAll(threads []ThreadRecord) error {
	if s.primary == nil || !s.primary.Healthy() || len(threads) == 0 {
		return nil
	}
	return s.primary.IndexThreads(threads)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
