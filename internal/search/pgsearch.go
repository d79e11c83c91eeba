package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PgSearch implements Searcher with PostgreSQL full-text matching over
// message bodies. It is the fallback when Meilisearch is down.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true: without Postgres nothing else works either.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	builder := psql.Select(
		"t.id", "t.student_id", "u.firstname", "u.lastname", "t.file_type",
		"COALESCE(p.school, '')", "COALESCE(p.program_name, '')", "t.is_final_version",
		"COUNT(*) OVER ()",
	).
		From("document_threads t").
		Join("users u ON u.id = t.student_id").
		LeftJoin("programs p ON p.id = t.program_id").
		Where(sq.Expr(`EXISTS (
			SELECT 1 FROM messages m
			WHERE m.thread_id = t.id AND NOT m.ignored
			AND to_tsvector('simple', m.body) @@ plainto_tsquery('simple', ?))`, q.Text))
	if q.StudentIDs != nil {
		builder = builder.Where("t.student_id = ANY(?)", pq.StringArray(q.StudentIDs))
	}
	if q.FileType != "" {
		builder = builder.Where(sq.Eq{"t.file_type": q.FileType})
	}
	query, args, err := builder.
		OrderBy("t.updated_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build search query: %w", err)
	}

	rows, err := p.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}
	defer rows.Close()

	var (
		results []Result
		total   int
	)
	for rows.Next() {
		var (
			record              ThreadRecord
			firstname, lastname string
		)
		if err := rows.Scan(&record.ID, &record.StudentID, &firstname, &lastname, &record.FileType,
			&record.School, &record.ProgramName, &record.IsFinal, &total); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		record.StudentName = strings.TrimSpace(firstname + " " + lastname)
		results = append(results, Result{
			ThreadID:    record.ID,
			StudentID:   record.StudentID,
			StudentName: record.StudentName,
			FileType:    record.FileType,
			Title:       record.Title(),
			IsFinal:     record.IsFinal,
		})
	}
	return results, total, rows.Err()
}
