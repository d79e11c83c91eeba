package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

const threadColumns = `id, file_type, student_id, COALESCE(program_id, ''), COALESCE(application_id, ''),
	is_final_version, outsourced_user_ids, flagged_by_user_ids, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (DocumentThread, error) {
	var (
		item       DocumentThread
		outsourced pq.StringArray
		flagged    pq.StringArray
	)
	err := row.Scan(
		&item.ID,
		&item.FileType,
		&item.StudentID,
		&item.ProgramID,
		&item.ApplicationID,
		&item.IsFinalVersion,
		&outsourced,
		&flagged,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	item.OutsourcedUserIDs = []string(outsourced)
	item.FlaggedByUserIDs = []string(flagged)
	return item, err
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (DocumentThread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM document_threads WHERE id=$1`, threadID)
	thread, err := scanThread(row)
	if err != nil {
		return DocumentThread{}, err
	}
	messages, err := s.listMessages(ctx, threadID)
	if err != nil {
		return DocumentThread{}, err
	}
	thread.Messages = messages
	return thread, nil
}

// ThreadFilter narrows ListThreads. Zero values are ignored.
type ThreadFilter struct {
	StudentID        string
	FileType         string
	OutsourcedUserID string
	Final            *bool
	Limit            uint64
}

// ListThreads returns threads without their messages.
func (s *PostgresStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]DocumentThread, error) {
	builder := psql.Select(threadColumns).From("document_threads")
	if filter.StudentID != "" {
		builder = builder.Where(sq.Eq{"student_id": filter.StudentID})
	}
	if filter.FileType != "" {
		builder = builder.Where(sq.Eq{"file_type": filter.FileType})
	}
	if filter.OutsourcedUserID != "" {
		builder = builder.Where("? = ANY(outsourced_user_ids)", filter.OutsourcedUserID)
	}
	if filter.Final != nil {
		builder = builder.Where(sq.Eq{"is_final_version": *filter.Final})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(filter.Limit)
	}
	query, args, err := builder.OrderBy("updated_at DESC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list threads: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentThread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, author_id, body, files, ignored, created_at
		FROM messages
		WHERE thread_id=$1
		ORDER BY created_at, id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		var filesRaw []byte
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.AuthorID, &item.Body, &filesRaw, &item.Ignored, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		files, err := decodeFiles(filesRaw)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", item.ID, err)
		}
		item.Files = files
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listLinks(ctx context.Context, ownerType, ownerID string) ([]ThreadLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, file_type, is_final_version, latest_message_author_id, updated_at
		FROM thread_links
		WHERE owner_type=$1 AND owner_id=$2
		ORDER BY position
	`, ownerType, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list thread links: %w", err)
	}
	defer rows.Close()

	items := make([]ThreadLink, 0)
	for rows.Next() {
		var item ThreadLink
		if err := rows.Scan(&item.ThreadID, &item.FileType, &item.IsFinalVersion, &item.LatestMessageAuthorID, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread links: %w", err)
	}
	return items, nil
}

// CreateThread inserts the thread and its owner link in one transaction.
// Returns ErrDuplicate when a thread with the same scope already exists.
func (s *PostgresStore) CreateThread(ctx context.Context, thread DocumentThread) error {
	return s.withTx(ctx, "create thread", func(tx *sql.Tx) error {
		return insertThread(ctx, tx, thread)
	})
}

// CreateInterview opens the interview together with its Interview thread and
// the thread's link on the application.
func (s *PostgresStore) CreateInterview(ctx context.Context, interview Interview, thread DocumentThread) error {
	return s.withTx(ctx, "create interview", func(tx *sql.Tx) error {
		if err := insertThread(ctx, tx, thread); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO interviews (id, student_id, program_id, thread_id, trainer_ids, is_closed, created_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		`, interview.ID, interview.StudentID, interview.ProgramID, thread.ID,
			pq.StringArray(nonNilStrings(interview.TrainerIDs)), interview.CreatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert interview: %w", err)
		}
		return nil
	})
}

func insertThread(ctx context.Context, tx *sql.Tx, thread DocumentThread) error {
	ownerType, ownerID := "student", thread.StudentID
	if !thread.IsGeneral() {
		ownerType, ownerID = "application", thread.ApplicationID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO document_threads (id, file_type, student_id, program_id, application_id, is_final_version,
			outsourced_user_ids, flagged_by_user_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8, $8)
	`, thread.ID, thread.FileType, thread.StudentID, nullIfEmpty(thread.ProgramID), nullIfEmpty(thread.ApplicationID),
		pq.StringArray(nonNilStrings(thread.OutsourcedUserIDs)), pq.StringArray(nonNilStrings(thread.FlaggedByUserIDs)), thread.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_links (thread_id, owner_type, owner_id, file_type, is_final_version, latest_message_author_id, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, '', $5)
	`, thread.ID, ownerType, ownerID, thread.FileType, thread.UpdatedAt); err != nil {
		return fmt.Errorf("insert thread link: %w", err)
	}
	return nil
}

// DeleteThread removes the thread, its messages and its owner link.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	return s.withTx(ctx, "delete thread", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM thread_links WHERE thread_id=$1`, threadID); err != nil {
			return fmt.Errorf("delete thread link: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM document_threads WHERE id=$1`, threadID)
		if err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		return expectRow(result)
	})
}

// SetThreadFinal writes the final flag to the thread and its owner link atomically.
func (s *PostgresStore) SetThreadFinal(ctx context.Context, threadID string, final bool, at time.Time) error {
	return s.withTx(ctx, "set thread final", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE document_threads SET is_final_version=$2, updated_at=$3 WHERE id=$1
		`, threadID, final, at)
		if err != nil {
			return fmt.Errorf("update thread status: %w", err)
		}
		if err := expectRow(result); err != nil {
			return err
		}
		result, err = tx.ExecContext(ctx, `
			UPDATE thread_links SET is_final_version=$2, updated_at=$3 WHERE thread_id=$1
		`, threadID, final, at)
		if err != nil {
			return fmt.Errorf("update thread link status: %w", err)
		}
		return expectRow(result)
	})
}

// AppendMessage stores the message and stamps the thread and its link.
func (s *PostgresStore) AppendMessage(ctx context.Context, message Message) error {
	files := message.Files
	if files == nil {
		files = []AttachedFile{}
	}
	encodedFiles, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal message files: %w", err)
	}
	return s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, author_id, body, files, ignored, created_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, FALSE, $6)
		`, message.ID, message.ThreadID, message.AuthorID, message.Body, string(encodedFiles), message.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		result, err := tx.ExecContext(ctx, `UPDATE document_threads SET updated_at=$2 WHERE id=$1`, message.ThreadID, message.CreatedAt)
		if err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		if err := expectRow(result); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE thread_links SET latest_message_author_id=$2, updated_at=$3 WHERE thread_id=$1
		`, message.ThreadID, message.AuthorID, message.CreatedAt); err != nil {
			return fmt.Errorf("update thread link author: %w", err)
		}
		return nil
	})
}

// DeleteMessage removes one message and re-derives the link author from what remains.
func (s *PostgresStore) DeleteMessage(ctx context.Context, threadID, messageID string, at time.Time) (Message, error) {
	var deleted Message
	err := s.withTx(ctx, "delete message", func(tx *sql.Tx) error {
		var filesRaw []byte
		err := tx.QueryRowContext(ctx, `
			DELETE FROM messages WHERE id=$1 AND thread_id=$2
			RETURNING id, thread_id, author_id, body, files, ignored, created_at
		`, messageID, threadID).Scan(&deleted.ID, &deleted.ThreadID, &deleted.AuthorID, &deleted.Body, &filesRaw, &deleted.Ignored, &deleted.CreatedAt)
		if err != nil {
			return err
		}
		files, err := decodeFiles(filesRaw)
		if err != nil {
			return fmt.Errorf("message %s: %w", deleted.ID, err)
		}
		deleted.Files = files

		if _, err := tx.ExecContext(ctx, `UPDATE document_threads SET updated_at=$2 WHERE id=$1`, threadID, at); err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE thread_links SET updated_at=$2, latest_message_author_id=COALESCE((
				SELECT author_id FROM messages WHERE thread_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1
			), '')
			WHERE thread_id=$1
		`, threadID, at); err != nil {
			return fmt.Errorf("update thread link author: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return deleted, nil
}

func (s *PostgresStore) SetMessageIgnored(ctx context.Context, threadID, messageID string, ignored bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET ignored=$3 WHERE id=$1 AND thread_id=$2`, messageID, threadID, ignored)
	if err != nil {
		return fmt.Errorf("update message ignored: %w", err)
	}
	return expectRow(result)
}

// UpdateThreadUsers replaces one of the thread's user-id set columns.
func (s *PostgresStore) UpdateThreadUsers(ctx context.Context, threadID, column string, ids []string) error {
	if column != "outsourced_user_ids" && column != "flagged_by_user_ids" {
		return fmt.Errorf("update thread users: unknown column %q", column)
	}
	query, args, err := psql.Update("document_threads").
		Set(column, pq.StringArray(nonNilStrings(ids))).
		Where(sq.Eq{"id": threadID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update thread users: %w", err)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update thread %s: %w", column, err)
	}
	return expectRow(result)
}

// ListLinkMismatches finds links whose projection differs from the referenced thread.
func (s *PostgresStore) ListLinkMismatches(ctx context.Context) ([]LinkMismatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.thread_id, l.owner_type, l.owner_id,
			t.is_final_version, l.is_final_version,
			COALESCE(m.author_id, ''), l.latest_message_author_id,
			t.updated_at, l.updated_at
		FROM thread_links l
		JOIN document_threads t ON t.id = l.thread_id
		LEFT JOIN LATERAL (
			SELECT author_id FROM messages WHERE thread_id = t.id ORDER BY created_at DESC, id DESC LIMIT 1
		) m ON TRUE
		WHERE t.is_final_version <> l.is_final_version
			OR COALESCE(m.author_id, '') <> l.latest_message_author_id
			OR t.updated_at <> l.updated_at
		ORDER BY l.thread_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list link mismatches: %w", err)
	}
	defer rows.Close()

	items := make([]LinkMismatch, 0)
	for rows.Next() {
		var item LinkMismatch
		if err := rows.Scan(
			&item.ThreadID,
			&item.OwnerType,
			&item.OwnerID,
			&item.ThreadFinal,
			&item.LinkFinal,
			&item.ThreadAuthor,
			&item.LinkAuthor,
			&item.ThreadUpdated,
			&item.LinkUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan link mismatch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link mismatches: %w", err)
	}
	return items, nil
}

// RepairThreadLink copies the thread's current state onto its link.
func (s *PostgresStore) RepairThreadLink(ctx context.Context, threadID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE thread_links l
		SET is_final_version = t.is_final_version,
			updated_at = t.updated_at,
			latest_message_author_id = COALESCE((
				SELECT author_id FROM messages WHERE thread_id = t.id ORDER BY created_at DESC, id DESC LIMIT 1
			), '')
		FROM document_threads t
		WHERE l.thread_id = t.id AND t.id = $1
	`, threadID)
	if err != nil {
		return fmt.Errorf("repair thread link: %w", err)
	}
	return expectRow(result)
}

func (s *PostgresStore) InsertAudit(ctx context.Context, record AuditRecord) error {
	changes, err := json.Marshal(map[string]any{"before": record.Before, "after": record.After})
	if err != nil {
		return fmt.Errorf("marshal audit changes: %w", err)
	}
	if record.Action != "create" && record.Action != "update" {
		return fmt.Errorf("insert audit: invalid action %q", record.Action)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (performed_by, target_user_id, target_document_thread_id, interview_thread_id, action, field, changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, record.PerformedBy, record.TargetUserID, nullIfEmpty(record.TargetDocumentThreadID), nullIfEmpty(record.InterviewThreadID),
		record.Action, record.Field, string(changes))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, targetUserID string, limit uint64) ([]AuditRecord, error) {
	if limit == 0 {
		limit = 50
	}
	query, args, err := psql.Select(
		"id", "performed_by", "target_user_id",
		"COALESCE(target_document_thread_id, '')", "COALESCE(interview_thread_id, '')",
		"action", "field", "changes", "created_at",
	).From("audit_logs").
		Where(sq.Eq{"target_user_id": targetUserID}).
		OrderBy("created_at DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditRecord, 0)
	for rows.Next() {
		var item AuditRecord
		var changesRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.PerformedBy,
			&item.TargetUserID,
			&item.TargetDocumentThreadID,
			&item.InterviewThreadID,
			&item.Action,
			&item.Field,
			&changesRaw,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		before, after, err := decodeChanges(changesRaw)
		if err != nil {
			return nil, fmt.Errorf("audit %d: %w", item.ID, err)
		}
		item.Before, item.After = before, after
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}

func decodeFiles(raw []byte) ([]AttachedFile, error) {
	files := []AttachedFile{}
	if len(raw) == 0 {
		return files, nil
	}
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if files == nil {
		files = []AttachedFile{}
	}
	return files, nil
}

func decodeChanges(raw []byte) (any, any, error) {
	var changes struct {
		Before any `json:"before"`
		After  any `json:"after"`
	}
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, nil, fmt.Errorf("decode changes: %w", err)
	}
	return changes.Before, changes.After, nil
}

func (s *PostgresStore) withTx(ctx context.Context, label string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", label, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", label, err)
	}
	return nil
}
