package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ADMISSIONS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ADMISSIONS_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	migrations, err := Migrations("")
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedApplication(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	statements := []string{
		`INSERT INTO users (id, firstname, lastname, email, role) VALUES ('stu-1', 'Ada', 'Lovelace', 'ada@example.com', 'student')`,
		`INSERT INTO users (id, firstname, lastname, email, role) VALUES ('agent-1', 'Alan', 'Turing', 'alan@example.com', 'agent')`,
		`INSERT INTO students (id, agents) VALUES ('stu-1', '{agent-1}')`,
		`INSERT INTO programs (id, school, program_name, degree, semester, application_deadline) VALUES ('prog-1', 'TUM', 'Informatics', 'M.Sc.', 'WS', '05-31')`,
		`INSERT INTO applications (id, student_id, program_id, application_year, decided) VALUES ('app-1', 'stu-1', 'prog-1', 2025, 'O')`,
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestSetThreadFinalUpdatesApplicationLink(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	seedApplication(t, ctx, s.DB())

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	thread := DocumentThread{ID: "thr-1", FileType: FileML, StudentID: "stu-1", ProgramID: "prog-1", ApplicationID: "app-1", UpdatedAt: created}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if err := s.CreateThread(ctx, thread); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	finalAt := created.Add(time.Hour)
	if err := s.SetThreadFinal(ctx, "thr-1", true, finalAt); err != nil {
		t.Fatalf("SetThreadFinal failed: %v", err)
	}

	application, err := s.GetApplication(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetApplication failed: %v", err)
	}
	if len(application.DocThreads) != 1 || !application.DocThreads[0].IsFinalVersion {
		t.Fatalf("expected final link on application, got %+v", application.DocThreads)
	}
	stored, err := s.GetThread(ctx, "thr-1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if !stored.IsFinalVersion {
		t.Fatal("expected thread to be final")
	}

	mismatches, err := s.ListLinkMismatches(ctx)
	if err != nil {
		t.Fatalf("ListLinkMismatches failed: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected no mismatches, got %+v", mismatches)
	}
}

func TestLinkMismatchDetectedAndRepaired(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	seedApplication(t, ctx, s.DB())

	thread := DocumentThread{ID: "thr-cv", FileType: FileCV, StudentID: "stu-1", UpdatedAt: time.Now().UTC()}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if err := s.AppendMessage(ctx, Message{ID: "msg-1", ThreadID: "thr-cv", AuthorID: "stu-1", Body: "{}", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	// Simulate a crash between the two writes.
	if _, err := s.DB().ExecContext(ctx, `UPDATE document_threads SET is_final_version=TRUE WHERE id='thr-cv'`); err != nil {
		t.Fatalf("corrupt thread: %v", err)
	}

	mismatches, err := s.ListLinkMismatches(ctx)
	if err != nil {
		t.Fatalf("ListLinkMismatches failed: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].ThreadID != "thr-cv" || mismatches[0].OwnerType != "student" {
		t.Fatalf("expected one student-owned mismatch, got %+v", mismatches)
	}

	if err := s.RepairThreadLink(ctx, "thr-cv"); err != nil {
		t.Fatalf("RepairThreadLink failed: %v", err)
	}
	student, err := s.GetStudent(ctx, "stu-1")
	if err != nil {
		t.Fatalf("GetStudent failed: %v", err)
	}
	if len(student.GeneralDocThreads) != 1 || !student.GeneralDocThreads[0].IsFinalVersion {
		t.Fatalf("expected repaired link, got %+v", student.GeneralDocThreads)
	}
	if student.GeneralDocThreads[0].LatestMessageAuthorID != "stu-1" {
		t.Fatalf("expected link author stu-1, got %q", student.GeneralDocThreads[0].LatestMessageAuthorID)
	}
}

func TestDeleteThreadPrunesLink(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	seedApplication(t, ctx, s.DB())

	thread := DocumentThread{ID: "thr-ess", FileType: FileEssay, StudentID: "stu-1", ProgramID: "prog-1", ApplicationID: "app-1", UpdatedAt: time.Now().UTC()}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if err := s.DeleteThread(ctx, "thr-ess"); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	application, err := s.GetApplication(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetApplication failed: %v", err)
	}
	if len(application.DocThreads) != 0 {
		t.Fatalf("expected link to be pruned, got %+v", application.DocThreads)
	}
	if err := s.DeleteThread(ctx, "thr-ess"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second delete, got %v", err)
	}
}

func TestCreateInterviewOpensThreadAndLink(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	seedApplication(t, ctx, s.DB())

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	thread := DocumentThread{ID: "thr-int", FileType: FileInterview, StudentID: "stu-1", ProgramID: "prog-1", ApplicationID: "app-1", UpdatedAt: now}
	interview := Interview{ID: "int-1", StudentID: "stu-1", ProgramID: "prog-1", CreatedAt: now}
	if err := s.CreateInterview(ctx, interview, thread); err != nil {
		t.Fatalf("CreateInterview failed: %v", err)
	}

	stored, err := s.GetInterviewByThread(ctx, "thr-int")
	if err != nil {
		t.Fatalf("GetInterviewByThread failed: %v", err)
	}
	if stored.ID != "int-1" || stored.ThreadID != "thr-int" {
		t.Fatalf("unexpected interview %+v", stored)
	}
	application, err := s.GetApplication(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetApplication failed: %v", err)
	}
	if len(application.DocThreads) != 1 || application.DocThreads[0].FileType != FileInterview {
		t.Fatalf("expected interview link on application, got %+v", application.DocThreads)
	}

	again := Interview{ID: "int-2", StudentID: "stu-1", ProgramID: "prog-1", CreatedAt: now}
	if err := s.CreateInterview(ctx, again, DocumentThread{ID: "thr-int-2", FileType: FileInterview, StudentID: "stu-1", ProgramID: "prog-1", ApplicationID: "app-1", UpdatedAt: now}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := s.GetThread(ctx, "thr-int-2"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected rolled back thread, got %v", err)
	}
}
