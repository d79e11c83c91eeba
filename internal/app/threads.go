package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"admissions/api/internal/blob"
	"admissions/api/internal/notify"
	"admissions/api/internal/outbox"
	"admissions/api/internal/rbac"
	"admissions/api/internal/store"
	"admissions/api/internal/util"
)

// Upload is one attachment of a new message.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type PostMessageInput struct {
	Body  string
	Files []Upload
}

type editorPayload struct {
	Time   int64             `json:"time"`
	Blocks []json.RawMessage `json:"blocks"`
}

func threadPayload(thread store.DocumentThread) map[string]any {
	messages := make([]map[string]any, 0, len(thread.Messages))
	for _, message := range thread.Messages {
		messages = append(messages, messagePayload(message))
	}
	return map[string]any{
		"id":                thread.ID,
		"fileType":          thread.FileType,
		"studentId":         thread.StudentID,
		"programId":         thread.ProgramID,
		"applicationId":     thread.ApplicationID,
		"isFinalVersion":    thread.IsFinalVersion,
		"outsourcedUserIds": nonNilIDs(thread.OutsourcedUserIDs),
		"flaggedByUserIds":  nonNilIDs(thread.FlaggedByUserIDs),
		"messages":          messages,
		"createdAt":         thread.CreatedAt,
		"updatedAt":         thread.UpdatedAt,
	}
}

func messagePayload(message store.Message) map[string]any {
	files := message.Files
	if files == nil {
		files = []store.AttachedFile{}
	}
	return map[string]any{
		"id":        message.ID,
		"threadId":  message.ThreadID,
		"authorId":  message.AuthorID,
		"message":   message.Body,
		"files":     files,
		"ignored":   message.Ignored,
		"createdAt": message.CreatedAt,
	}
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (s *Service) GetThread(ctx context.Context, actor store.User, threadID string) (map[string]any, error) {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, scope, rbac.ActionRead); err != nil {
		return nil, err
	}
	payload := threadPayload(scope.thread)
	payload["student"] = map[string]any{
		"id":        scope.student.ID,
		"firstname": scope.student.Firstname,
		"lastname":  scope.student.Lastname,
	}
	if program := scope.program(); program != nil {
		payload["program"] = program
	}
	return payload, nil
}

// SetFinal toggles the final flag of a thread. When applicationID is set the
// application must list the thread. The thread and its owner's link are
// written together; cleanup, audit and notifications follow asynchronously.
func (s *Service) SetFinal(ctx context.Context, actor store.User, threadID, applicationID string) (map[string]any, error) {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if applicationID != "" {
		application, err := s.store.GetApplication(ctx, applicationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("application")
			}
			return nil, fmt.Errorf("load application: %w", err)
		}
		if !hasLink(application.DocThreads, threadID) {
			return nil, errNotFound("thread")
		}
		scope.application = &application
	}
	if err := s.authorize(actor, scope, rbac.ActionFinalize); err != nil {
		return nil, err
	}

	before := scope.thread.IsFinalVersion
	after := !before
	at := s.now()
	if err := s.store.SetThreadFinal(ctx, threadID, after, at); err != nil {
		s.log.Error("set thread final failed",
			zap.String("thread_id", threadID),
			zap.Bool("final", after),
			zap.Error(err),
		)
		return nil, errInternal("thread status could not be saved")
	}
	scope.thread.IsFinalVersion = after
	scope.thread.UpdatedAt = at

	s.audit(ctx, store.AuditRecord{
		PerformedBy:            actor.ID,
		TargetUserID:           scope.student.ID,
		TargetDocumentThreadID: threadID,
		Action:                 "update",
		Field:                  "status",
		Before:                 before,
		After:                  after,
	})
	event := notify.Reopened
	if after {
		event = notify.Finalized
		s.outbox.Publish(ctx, outbox.KindGC, outbox.GCPayload{StudentID: scope.student.ID, ThreadID: threadID})
	}
	s.notify(ctx, notify.Input{
		Event:       event,
		ActorID:     actor.ID,
		Student:     scope.student,
		Thread:      scope.thread,
		Application: scope.application,
		TrainerIDs:  scope.trainerIDs,
	})
	s.reindex(scope)

	s.log.Info("thread status changed",
		zap.String("thread_id", threadID),
		zap.String("actor_id", actor.ID),
		zap.Bool("final", after),
	)
	return threadPayload(scope.thread), nil
}

func hasLink(links []store.ThreadLink, threadID string) bool {
	for _, link := range links {
		if link.ThreadID == threadID {
			return true
		}
	}
	return false
}

// PostMessage appends a message with its attachments to an open thread.
func (s *Service) PostMessage(ctx context.Context, actor store.User, threadID string, input PostMessageInput) (map[string]any, error) {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, scope, rbac.ActionPost); err != nil {
		return nil, err
	}
	if scope.thread.IsFinalVersion {
		return nil, domainError(http.StatusForbidden, "THREAD_CLOSED", "thread is closed", map[string]any{"threadId": threadID})
	}
	if err := validateMessage(input); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(input.Files))
	for _, file := range input.Files {
		names = append(names, file.Name)
	}
	if ext, dup := blob.DuplicateExtension(names); dup {
		return nil, errLocked("only one file per extension is allowed", map[string]any{"extension": ext})
	}

	message := store.Message{
		ID:        util.NewID("msg"),
		ThreadID:  threadID,
		AuthorID:  actor.ID,
		Body:      input.Body,
		Files:     make([]store.AttachedFile, 0, len(input.Files)),
		CreatedAt: s.now(),
	}
	taken := attachmentNames(scope.thread)
	for _, file := range input.Files {
		name := blob.Versioned(blob.AttachmentName(scope.student, scope.program(), scope.thread.FileType, file.Name), taken)
		key := blob.Key(scope.student.ID, threadID, name)
		if err := s.blobs.Put(ctx, key, file.Body, file.Size, file.ContentType); err != nil {
			s.log.Error("attachment upload failed", zap.String("key", key), zap.Error(err))
			s.discardUploads(ctx, scope.student.ID, threadID, message.Files)
			return nil, errInternal("attachment could not be stored")
		}
		taken[name] = true
		message.Files = append(message.Files, store.AttachedFile{Name: name, StorageKey: key})
	}

	if err := s.store.AppendMessage(ctx, message); err != nil {
		s.discardUploads(ctx, scope.student.ID, threadID, message.Files)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("thread")
		}
		return nil, fmt.Errorf("append message: %w", err)
	}
	scope.thread.Messages = append(scope.thread.Messages, message)
	scope.thread.UpdatedAt = message.CreatedAt

	s.notify(ctx, notify.Input{
		Event:       notify.MessagePosted,
		ActorID:     actor.ID,
		Student:     scope.student,
		Thread:      scope.thread,
		Application: scope.application,
		TrainerIDs:  scope.trainerIDs,
	})
	s.reindex(scope)
	return messagePayload(message), nil
}

func attachmentNames(thread store.DocumentThread) map[string]bool {
	taken := make(map[string]bool)
	for _, message := range thread.Messages {
		for _, file := range message.Files {
			taken[file.Name] = true
		}
	}
	return taken
}

// discardUploads schedules removal of message attachments.
func (s *Service) discardUploads(ctx context.Context, studentID, threadID string, files []store.AttachedFile) {
	if len(files) == 0 {
		return
	}
	keys := make([]string, 0, len(files))
	for _, file := range files {
		keys = append(keys, file.StorageKey)
	}
	s.outbox.Publish(ctx, outbox.KindGC, outbox.GCPayload{StudentID: studentID, ThreadID: threadID, Keys: keys})
}

func validateMessage(input PostMessageInput) error {
	for _, file := range input.Files {
		if strings.TrimSpace(file.Name) == "" || file.Body == nil {
			return errValidation("attachment is missing a name or content", nil)
		}
	}
	if strings.TrimSpace(input.Body) == "" {
		if len(input.Files) == 0 {
			return errValidation("message is empty", nil)
		}
		return nil
	}
	var payload editorPayload
	if err := json.Unmarshal([]byte(input.Body), &payload); err != nil {
		return errValidation("message must be an editor document", map[string]any{"reason": err.Error()})
	}
	if len(payload.Blocks) == 0 && len(input.Files) == 0 {
		return errValidation("message is empty", nil)
	}
	return nil
}

// InitGeneralThread opens a thread that belongs to the student.
func (s *Service) InitGeneralThread(ctx context.Context, actor store.User, studentID, fileType string) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.ActionModerate) {
		return nil, errForbidden("role cannot open threads")
	}
	if err := validateFileType(fileType); err != nil {
		return nil, err
	}
	student, err := s.loadStudent(ctx, actor, studentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	thread := store.DocumentThread{
		ID:        util.NewID("thr"),
		FileType:  fileType,
		StudentID: student.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.createThread(ctx, actor, threadScope{thread: thread, student: student})
}

// InitApplicationThread opens a thread for one of the student's applications.
func (s *Service) InitApplicationThread(ctx context.Context, actor store.User, applicationID, fileType string) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.ActionModerate) {
		return nil, errForbidden("role cannot open threads")
	}
	if err := validateFileType(fileType); err != nil {
		return nil, err
	}
	application, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("application")
		}
		return nil, fmt.Errorf("load application: %w", err)
	}
	student, err := s.loadStudent(ctx, actor, application.StudentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	thread := store.DocumentThread{
		ID:            util.NewID("thr"),
		FileType:      fileType,
		StudentID:     student.ID,
		ProgramID:     application.ProgramID,
		ApplicationID: application.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return s.createThread(ctx, actor, threadScope{thread: thread, student: student, application: &application})
}

// InitInterview opens an interview for the application's program together
// with its Interview thread.
func (s *Service) InitInterview(ctx context.Context, actor store.User, applicationID string) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.ActionModerate) {
		return nil, errForbidden("role cannot open interviews")
	}
	application, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("application")
		}
		return nil, fmt.Errorf("load application: %w", err)
	}
	student, err := s.loadStudent(ctx, actor, application.StudentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	thread := store.DocumentThread{
		ID:            util.NewID("thr"),
		FileType:      store.FileInterview,
		StudentID:     student.ID,
		ProgramID:     application.ProgramID,
		ApplicationID: application.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	interview := store.Interview{
		ID:        util.NewID("int"),
		StudentID: student.ID,
		ProgramID: application.ProgramID,
		ThreadID:  thread.ID,
		CreatedAt: now,
	}
	if err := s.store.CreateInterview(ctx, interview, thread); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errConflict("interview already exists for this program")
		}
		return nil, fmt.Errorf("create interview: %w", err)
	}

	s.audit(ctx, store.AuditRecord{
		PerformedBy:       actor.ID,
		TargetUserID:      student.ID,
		InterviewThreadID: thread.ID,
		Action:            "create",
		Field:             "interview",
		After:             application.ProgramID,
	})
	s.reindex(threadScope{thread: thread, student: student, application: &application})
	return map[string]any{
		"id":         interview.ID,
		"studentId":  interview.StudentID,
		"programId":  interview.ProgramID,
		"threadId":   interview.ThreadID,
		"trainerIds": []string{},
		"isClosed":   false,
		"createdAt":  interview.CreatedAt,
		"thread":     threadPayload(thread),
	}, nil
}

func (s *Service) createThread(ctx context.Context, actor store.User, scope threadScope) (map[string]any, error) {
	if err := s.store.CreateThread(ctx, scope.thread); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errConflict(scope.thread.FileType + " thread already exists")
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("thread owner")
		}
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.audit(ctx, store.AuditRecord{
		PerformedBy:            actor.ID,
		TargetUserID:           scope.student.ID,
		TargetDocumentThreadID: scope.thread.ID,
		Action:                 "create",
		Field:                  "thread",
		After:                  scope.thread.FileType,
	})
	s.reindex(scope)
	return threadPayload(scope.thread), nil
}

// Interview threads are opened together with their interview.
func validateFileType(fileType string) error {
	if !store.IsKnownFileType(fileType) || fileType == store.FileInterview {
		return errValidation("unsupported file type", map[string]any{"fileType": fileType})
	}
	return nil
}

// DeleteThread removes the thread with its link and schedules the purge of its
// working directory.
func (s *Service) DeleteThread(ctx context.Context, actor store.User, threadID string) error {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, scope, rbac.ActionDelete); err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("thread")
		}
		return fmt.Errorf("delete thread: %w", err)
	}
	s.outbox.Publish(ctx, outbox.KindGC, outbox.GCPayload{StudentID: scope.student.ID, ThreadID: threadID})
	s.audit(ctx, store.AuditRecord{
		PerformedBy:            actor.ID,
		TargetUserID:           scope.student.ID,
		TargetDocumentThreadID: threadID,
		Action:                 "update",
		Field:                  "thread",
		Before:                 scope.thread.FileType,
	})
	if s.search != nil {
		s.search.DeleteThread(threadID)
	}
	return nil
}

// DeleteMessage removes a message of an open thread. Authors may delete their
// own messages; moderators any.
func (s *Service) DeleteMessage(ctx context.Context, actor store.User, threadID, messageID string) error {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, scope, rbac.ActionRead); err != nil {
		return err
	}
	if scope.thread.IsFinalVersion {
		return errLocked("thread is closed", map[string]any{"threadId": threadID})
	}
	message, ok := findMessage(scope.thread, messageID)
	if !ok {
		return errNotFound("message")
	}
	if message.AuthorID != actor.ID && !s.Can(actor.Role, rbac.ActionModerate) {
		return errForbidden("only the author can delete this message")
	}

	removed, err := s.store.DeleteMessage(ctx, threadID, messageID, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("message")
		}
		return fmt.Errorf("delete message: %w", err)
	}
	s.discardUploads(ctx, scope.student.ID, threadID, removed.Files)
	scope.thread.Messages = withoutMessage(scope.thread.Messages, messageID)
	s.reindex(scope)
	return nil
}

func findMessage(thread store.DocumentThread, messageID string) (store.Message, bool) {
	for _, message := range thread.Messages {
		if message.ID == messageID {
			return message, true
		}
	}
	return store.Message{}, false
}

func withoutMessage(messages []store.Message, messageID string) []store.Message {
	out := make([]store.Message, 0, len(messages))
	for _, message := range messages {
		if message.ID != messageID {
			out = append(out, message)
		}
	}
	return out
}

// SetMessageIgnored hides or restores a message in search results.
func (s *Service) SetMessageIgnored(ctx context.Context, actor store.User, threadID, messageID string, ignored bool) error {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, scope, rbac.ActionModerate); err != nil {
		return err
	}
	if err := s.store.SetMessageIgnored(ctx, threadID, messageID, ignored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("message")
		}
		return fmt.Errorf("set message ignored: %w", err)
	}
	for i := range scope.thread.Messages {
		if scope.thread.Messages[i].ID == messageID {
			scope.thread.Messages[i].Ignored = ignored
		}
	}
	s.reindex(scope)
	return nil
}

// ToggleFlag adds or removes the actor from the thread's flaggers and returns
// whether the actor now flags it.
func (s *Service) ToggleFlag(ctx context.Context, actor store.User, threadID string) (bool, error) {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if err := s.authorize(actor, scope, rbac.ActionRead); err != nil {
		return false, err
	}
	flagged := false
	ids := make([]string, 0, len(scope.thread.FlaggedByUserIDs)+1)
	for _, id := range scope.thread.FlaggedByUserIDs {
		if id == actor.ID {
			flagged = true
			continue
		}
		ids = append(ids, id)
	}
	if !flagged {
		ids = append(ids, actor.ID)
	}
	if err := s.store.UpdateThreadUsers(ctx, threadID, "flagged_by_user_ids", ids); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, errNotFound("thread")
		}
		return false, fmt.Errorf("toggle flag: %w", err)
	}
	return !flagged, nil
}

// OpenAttachment streams a stored attachment of a thread.
func (s *Service) OpenAttachment(ctx context.Context, actor store.User, threadID, name string) (io.ReadCloser, error) {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, scope, rbac.ActionRead); err != nil {
		return nil, err
	}
	reader, err := s.blobs.Get(ctx, blob.Key(scope.student.ID, threadID, name))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, errNotFound("file")
		}
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	return reader, nil
}

// Audit lists recent audit entries about a student.
func (s *Service) Audit(ctx context.Context, actor store.User, studentID string, limit uint64) ([]store.AuditRecord, error) {
	if !s.Can(actor.Role, rbac.ActionAssign) {
		return nil, errForbidden("role cannot read the audit log")
	}
	if _, err := s.loadStudent(ctx, actor, studentID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, studentID, limit)
}
