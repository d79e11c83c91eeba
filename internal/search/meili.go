package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxThreads = "admissions_threads"

// Meili implements Backend via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the thread index.
// An unreachable server leaves the client unhealthy until the health loop
// sees it come back.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxThreads,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxThreads), zap.Error(err))
	}

	index := m.client.Index(idxThreads)
	filterable := []interface{}{"studentId", "fileType", "isFinalVersion"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.String("index", idxThreads), zap.Error(err))
	}
	searchable := []string{"body", "studentName", "school", "programName", "fileType"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.String("index", idxThreads), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxThreads,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"body"},
		AttributesToCrop:      []string{"body"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			result, err := hitToResult(hit)
			if err != nil {
				return nil, 0, err
			}
			results = append(results, result)
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.StudentIDs != nil {
		quoted := make([]string, 0, len(q.StudentIDs))
		for _, id := range q.StudentIDs {
			quoted = append(quoted, fmt.Sprintf("%q", id))
		}
		filters = append(filters, fmt.Sprintf("studentId IN [%s]", strings.Join(quoted, ", ")))
	}
	if q.FileType != "" {
		filters = append(filters, fmt.Sprintf("fileType = %q", q.FileType))
	}
	return filters
}

func hitToResult(hit meili.Hit) (Result, error) {
	record := ThreadRecord{
		ID:          decodeString(hit, "id"),
		StudentID:   decodeString(hit, "studentId"),
		StudentName: decodeString(hit, "studentName"),
		FileType:    decodeString(hit, "fileType"),
		School:      decodeString(hit, "school"),
		ProgramName: decodeString(hit, "programName"),
	}
	var final bool
	if raw, ok := hit["isFinalVersion"]; ok {
		if err := json.Unmarshal(raw, &final); err != nil {
			return Result{}, fmt.Errorf("decode isFinalVersion of hit %s: %w", record.ID, err)
		}
	}
	return Result{
		ThreadID:    record.ID,
		StudentID:   record.StudentID,
		StudentName: record.StudentName,
		FileType:    record.FileType,
		Title:       record.Title(),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body")),
		IsFinal:     final,
	}, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexThreads adds or updates threads in the index.
func (m *Meili) IndexThreads(threads []ThreadRecord) error {
	if len(threads) == 0 {
		return nil
	}
	_, err := m.client.Index(idxThreads).AddDocuments(threads, nil)
	return err
}

// DeleteThread removes a thread from the index.
func (m *Meili) DeleteThread(id string) error {
	_, err := m.client.Index(idxThreads).DeleteDocument(id, nil)
	return err
}
