// Package search indexes document threads for full-text lookup.
package search

import (
	"strings"

	"admissions/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ThreadID    string `json:"threadId"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	FileType    string `json:"fileType"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	IsFinal     bool   `json:"isFinalVersion"`
}

// Query describes a search request. StudentIDs restricts hits to students the
// caller may see; nil means no restriction.
type Query struct {
	Text       string
	StudentIDs []string
	FileType   string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Backend is a searcher that can also be written to.
type Backend interface {
	Searcher
	IndexThreads(threads []ThreadRecord) error
	DeleteThread(id string) error
}

// ThreadRecord is the data we index for a document thread.
type ThreadRecord struct {
	ID          string `json:"id"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	FileType    string `json:"fileType"`
	School      string `json:"school"`
	ProgramName string `json:"programName"`
	Body        string `json:"body"`
	IsFinal     bool   `json:"isFinalVersion"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Title is the display label of the thread.
func (r ThreadRecord) Title() string {
	parts := []string{r.StudentName}
	if r.School != "" {
		parts = append(parts, r.School, r.ProgramName)
	}
	parts = append(parts, r.FileType)
	return strings.Join(parts, " ")
}

// RecordFor flattens a thread and its messages into an index record. Ignored
// messages are left out.
func RecordFor(thread store.DocumentThread, student store.Student, program *store.Program) ThreadRecord {
	bodies := make([]string, 0, len(thread.Messages))
	for _, message := range thread.Messages {
		if message.Ignored {
			continue
		}
		if text := PlainText(message.Body); text != "" {
			bodies = append(bodies, text)
		}
	}
	record := ThreadRecord{
		ID:          thread.ID,
		StudentID:   thread.StudentID,
		StudentName: strings.TrimSpace(student.Firstname + " " + student.Lastname),
		FileType:    thread.FileType,
		Body:        strings.Join(bodies, "\n"),
		IsFinal:     thread.IsFinalVersion,
		UpdatedAt:   thread.UpdatedAt.Unix(),
	}
	if program != nil {
		record.School = program.School
		record.ProgramName = program.ProgramName
	}
	return record
}
