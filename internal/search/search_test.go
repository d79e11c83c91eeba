package search

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admissions/api/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	healthy  bool
	results  []Result
	err      error
	indexed  []ThreadRecord
	deleted  []string
	notified chan struct{}
}

func (f *fakeBackend) Search(Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) IndexThreads(threads []ThreadRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, threads...)
	f.mu.Unlock()
	if f.notified != nil {
		f.notified <- struct{}{}
	}
	return nil
}

func (f *fakeBackend) DeleteThread(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	if f.notified != nil {
		f.notified <- struct{}{}
	}
	return nil
}

func TestPlainText(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "empty", body: "", want: ""},
		{name: "editor blocks", body: `{"blocks":[{"type":"paragraph","data":{"text":"Please <b>shorten</b> the intro"}},{"type":"list","data":{"items":["one","two &amp; three"]}}]}`, want: "Please shorten the intro\none\ntwo & three"},
		{name: "raw text", body: "just text", want: "just text"},
		{name: "raw markup", body: "<p>hello <i>world</i></p>", want: "hello world"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PlainText(tc.body))
		})
	}
}

func TestRecordForSkipsIgnoredMessages(t *testing.T) {
	thread := store.DocumentThread{
		ID:        "thr-1",
		StudentID: "stu-1",
		FileType:  store.FileML,
		UpdatedAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		Messages: []store.Message{
			{Body: "first draft"},
			{Body: "spam", Ignored: true},
			{Body: "second draft"},
		},
	}
	record := RecordFor(thread, store.Student{Firstname: "Ada", Lastname: "Lovelace"}, &store.Program{School: "TUM", ProgramName: "Informatics"})

	assert.Equal(t, "first draft\nsecond draft", record.Body)
	assert.Equal(t, "Ada Lovelace TUM Informatics ML", record.Title())
	assert.Equal(t, int64(1743465600), record.UpdatedAt)
}

func TestMeiliFilters(t *testing.T) {
	assert.Empty(t, meiliFilters(Query{Text: "x"}))
	assert.Equal(t,
		[]string{`studentId IN ["stu-1", "stu-2"]`, `fileType = "ML"`},
		meiliFilters(Query{StudentIDs: []string{"stu-1", "stu-2"}, FileType: "ML"}))
	assert.Equal(t, []string{"studentId IN []"}, meiliFilters(Query{StudentIDs: []string{}}))
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":             json.RawMessage(`"thr-1"`),
		"fileType":       json.RawMessage(`"CV"`),
		"isFinalVersion": json.RawMessage(`true`),
		"_formatted":     json.RawMessage(`{"body":" my <mark>cv</mark> "}`),
	}
	result, err := hitToResult(hit)
	require.NoError(t, err)
	assert.Equal(t, "thr-1", result.ThreadID)
	assert.True(t, result.IsFinal)
	assert.Equal(t, "my <mark>cv</mark>", result.Snippet)

	hit["isFinalVersion"] = json.RawMessage(`"yes"`)
	_, err = hitToResult(hit)
	assert.Error(t, err)
}

func TestServiceFallsBack(t *testing.T) {
	primary := &fakeBackend{healthy: true, err: errors.New("timeout")}
	fallback := &fakeBackend{healthy: true, results: []Result{{ThreadID: "thr-1"}}}

	resp := NewService(primary, fallback, nil).Search(Query{Text: "draft"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "thr-1", resp.Results[0].ThreadID)

	resp = NewService(nil, nil, nil).Search(Query{Text: "draft"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestServiceIndexesInBackground(t *testing.T) {
	primary := &fakeBackend{healthy: true, notified: make(chan struct{}, 2)}
	svc := NewService(primary, nil, nil)

	svc.IndexThread(ThreadRecord{ID: "thr-1"})
	svc.DeleteThread("thr-2")
	for i := 0; i < 2; i++ {
		select {
		case <-primary.notified:
		case <-time.After(2 * time.Second):
			t.Fatal("background indexing did not run")
		}
	}
	primary.mu.Lock()
	defer primary.mu.Unlock()
	assert.Equal(t, "thr-1", primary.indexed[0].ID)
	assert.Equal(t, []string{"thr-2"}, primary.deleted)
}

func TestServiceSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeBackend{healthy: false}
	svc := NewService(primary, nil, nil)
	svc.IndexThread(ThreadRecord{ID: "thr-1"})
	require.NoError(t, svc.ReindexAll([]ThreadRecord{{ID: "thr-1"}}))
	assert.Empty(t, primary.indexed)
}
