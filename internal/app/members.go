package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"admissions/api/internal/membership"
	"admissions/api/internal/notify"
	"admissions/api/internal/rbac"
	"admissions/api/internal/store"
)

func deltaPayload(delta membership.Delta) map[string]any {
	return map[string]any{
		"added":   delta.Added,
		"removed": delta.Removed,
		"members": delta.Updated,
		"dropped": delta.Dropped,
	}
}

func (s *Service) AssignStudentAgents(ctx context.Context, actor store.User, studentID string, submitted map[string]bool) (map[string]any, error) {
	return s.assignStudentMembers(ctx, actor, studentID, "agents", notify.RoleAgent, submitted, store.RoleAgent)
}

func (s *Service) AssignStudentEditors(ctx context.Context, actor store.User, studentID string, submitted map[string]bool) (map[string]any, error) {
	return s.assignStudentMembers(ctx, actor, studentID, "editors", notify.RoleEditor, submitted, store.RoleEditor, store.RoleAgent)
}

func (s *Service) assignStudentMembers(ctx context.Context, actor store.User, studentID, field, memberRole string, submitted map[string]bool, roles ...string) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.ActionAssign) {
		return nil, errForbidden("role cannot assign members")
	}
	student, err := s.loadStudent(ctx, actor, studentID)
	if err != nil {
		return nil, err
	}
	current := student.Agents
	if field == "editors" {
		current = student.Editors
	}
	delta, err := membership.Diff(ctx, s.log, s.store, submitted, current, roles...)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", field, err)
	}
	if !delta.Changed() {
		return deltaPayload(delta), nil
	}
	if err := s.store.UpdateStudentMembers(ctx, student.ID, field, delta.Updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("student")
		}
		return nil, fmt.Errorf("update %s: %w", field, err)
	}

	s.audit(ctx, store.AuditRecord{
		PerformedBy:  actor.ID,
		TargetUserID: student.ID,
		Action:       "update",
		Field:        field,
		Before:       nonNilIDs(current),
		After:        delta.Updated,
	})
	if len(delta.Added) > 0 {
		s.notify(ctx, notify.Input{
			Event:      notify.MembersChanged,
			ActorID:    actor.ID,
			Student:    student,
			AddedIDs:   delta.Added,
			MemberRole: memberRole,
		})
	}
	s.log.Info("student members updated",
		zap.String("student_id", student.ID),
		zap.String("field", field),
		zap.Strings("added", delta.Added),
		zap.Strings("removed", delta.Removed),
	)
	return deltaPayload(delta), nil
}

// AssignEssayWriters replaces the outsourced writers of an essay thread.
func (s *Service) AssignEssayWriters(ctx context.Context, actor store.User, threadID string, submitted map[string]bool) (map[string]any, error) {
	scope, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, scope, rbac.ActionAssign); err != nil {
		return nil, err
	}
	if scope.thread.FileType != store.FileEssay {
		return nil, errValidation("writers can only be assigned to essay threads", map[string]any{"fileType": scope.thread.FileType})
	}
	current := scope.thread.OutsourcedUserIDs
	delta, err := membership.Diff(ctx, s.log, s.store, submitted, current, store.RoleEditor, store.RoleExternal)
	if err != nil {
		return nil, fmt.Errorf("diff writers: %w", err)
	}
	if !delta.Changed() {
		return deltaPayload(delta), nil
	}
	if err := s.store.UpdateThreadUsers(ctx, threadID, "outsourced_user_ids", delta.Updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("thread")
		}
		return nil, fmt.Errorf("update writers: %w", err)
	}
	scope.thread.OutsourcedUserIDs = delta.Updated

	s.audit(ctx, store.AuditRecord{
		PerformedBy:            actor.ID,
		TargetUserID:           scope.student.ID,
		TargetDocumentThreadID: threadID,
		Action:                 "update",
		Field:                  "outsourced_user_ids",
		Before:                 nonNilIDs(current),
		After:                  delta.Updated,
	})
	if len(delta.Added) > 0 {
		s.notify(ctx, notify.Input{
			Event:       notify.MembersChanged,
			ActorID:     actor.ID,
			Student:     scope.student,
			Thread:      scope.thread,
			Application: scope.application,
			AddedIDs:    delta.Added,
			MemberRole:  notify.RoleWriter,
		})
	}
	return deltaPayload(delta), nil
}

// AssignInterviewTrainers replaces the trainers of an interview.
func (s *Service) AssignInterviewTrainers(ctx context.Context, actor store.User, interviewID string, submitted map[string]bool) (map[string]any, error) {
	if !s.Can(actor.Role, rbac.ActionAssign) {
		return nil, errForbidden("role cannot assign trainers")
	}
	interview, err := s.store.GetInterview(ctx, interviewID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("interview")
		}
		return nil, fmt.Errorf("load interview: %w", err)
	}
	student, err := s.loadStudent(ctx, actor, interview.StudentID)
	if err != nil {
		return nil, err
	}
	delta, err := membership.Diff(ctx, s.log, s.store, submitted, interview.TrainerIDs, store.RoleEditor, store.RoleAgent, store.RoleExternal)
	if err != nil {
		return nil, fmt.Errorf("diff trainers: %w", err)
	}
	if !delta.Changed() {
		return deltaPayload(delta), nil
	}
	if err := s.store.UpdateInterviewTrainers(ctx, interview.ID, delta.Updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("interview")
		}
		return nil, fmt.Errorf("update trainers: %w", err)
	}

	s.audit(ctx, store.AuditRecord{
		PerformedBy:       actor.ID,
		TargetUserID:      student.ID,
		InterviewThreadID: interview.ThreadID,
		Action:            "update",
		Field:             "trainer_ids",
		Before:            nonNilIDs(interview.TrainerIDs),
		After:             delta.Updated,
	})
	if len(delta.Added) > 0 {
		in := notify.Input{
			Event:      notify.MembersChanged,
			ActorID:    actor.ID,
			Student:    student,
			TrainerIDs: delta.Updated,
			AddedIDs:   delta.Added,
			MemberRole: notify.RoleTrainer,
		}
		if interview.ThreadID != "" {
			thread, err := s.store.GetThread(ctx, interview.ThreadID)
			if err == nil {
				in.Thread = thread
			} else {
				s.log.Warn("interview thread not loaded", zap.String("thread_id", interview.ThreadID), zap.Error(err))
			}
		}
		s.notify(ctx, in)
	}
	return deltaPayload(delta), nil
}
