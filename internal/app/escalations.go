package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"admissions/api/internal/deadline"
	"admissions/api/internal/escalation"
	"admissions/api/internal/notify"
	"admissions/api/internal/rbac"
	"admissions/api/internal/search"
	"admissions/api/internal/store"
)

// EscalationOptions override the configured thresholds for one query.
type EscalationOptions struct {
	AgeDays             *int
	DeadlineTriggerDays *int
}

func itemPayload(item escalation.Item) map[string]any {
	return map[string]any{
		"threadId":       item.Link.ThreadID,
		"fileType":       item.Link.FileType,
		"studentId":      item.StudentID,
		"applicationId":  item.ApplicationID,
		"label":          item.Label(),
		"deadline":       item.Deadline,
		"daysLeft":       item.DaysLeft,
		"latestAuthorId": item.Link.LatestMessageAuthorID,
		"updatedAt":      item.Link.UpdatedAt,
	}
}

func sectionPayload(section escalation.Section) map[string]any {
	actionable := make([]map[string]any, 0, len(section.Actionable))
	for _, item := range section.Actionable {
		actionable = append(actionable, itemPayload(item))
	}
	deadlines := make([]map[string]any, 0, len(section.Deadlines))
	for _, item := range section.Deadlines {
		deadlines = append(deadlines, itemPayload(item))
	}
	return map[string]any{
		"studentId":    section.Student.ID,
		"firstname":    section.Student.Firstname,
		"lastname":     section.Student.Lastname,
		"actionable":   actionable,
		"deadlines":    deadlines,
		"courseUpdate": section.CourseUpdate,
	}
}

func (s *Service) thresholdsWith(opts EscalationOptions) escalation.Thresholds {
	thresholds := s.thresholds()
	if opts.AgeDays != nil {
		thresholds.AgeDays = *opts.AgeDays
	}
	if opts.DeadlineTriggerDays != nil {
		thresholds.DeadlineTriggerDays = *opts.DeadlineTriggerDays
	}
	return thresholds
}

// StudentEscalations evaluates one student from the actor's point of view.
func (s *Service) StudentEscalations(ctx context.Context, actor store.User, studentID string, opts EscalationOptions) (map[string]any, error) {
	student, err := s.loadStudent(ctx, actor, studentID)
	if err != nil {
		return nil, err
	}
	thresholds := s.thresholdsWith(opts)
	now := s.now()
	section := escalation.Section{
		Student:    student,
		Actionable: escalation.Actionable(student, actor.ID, actor.Role, thresholds.AgeDays, now),
		Deadlines:  escalation.DeadlineEscalations(student, thresholds.DeadlineTriggerDays, now),
	}
	if actor.Role == store.RoleStudent || actor.Role == store.RoleAgent {
		section.CourseUpdate = escalation.NeedsCourseUpdate(student, now)
	}
	payload := sectionPayload(section)
	payload["nearestDeadline"] = deadline.Nearest(student.Applications, now)
	return payload, nil
}

// MyEscalations evaluates every student the actor works with, skipping
// students with nothing to report.
func (s *Service) MyEscalations(ctx context.Context, actor store.User, opts EscalationOptions) ([]map[string]any, error) {
	if _, ok := escalation.PolicyFor(actor.Role); !ok {
		return nil, errForbidden("role has no escalations")
	}
	students, err := s.studentsFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	sections := escalation.BuildSections(students, actor.ID, actor.Role, s.thresholdsWith(opts), s.now())
	out := make([]map[string]any, 0, len(sections))
	for _, section := range sections {
		out = append(out, sectionPayload(section))
	}
	return out, nil
}

func (s *Service) studentsFor(ctx context.Context, user store.User) ([]store.Student, error) {
	var ids []string
	if user.Role == store.RoleStudent {
		ids = []string{user.ID}
	} else {
		found, err := s.store.ListStudentIDsForStaff(ctx, user.ID, user.Role)
		if err != nil {
			return nil, fmt.Errorf("list students for %s: %w", user.ID, err)
		}
		ids = found
	}
	students := make([]store.Student, 0, len(ids))
	for _, id := range ids {
		student, err := s.store.GetStudent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load student %s: %w", id, err)
		}
		students = append(students, student)
	}
	return students, nil
}

// NearestDeadline is the closest deadline among the student's decided applications.
func (s *Service) NearestDeadline(ctx context.Context, actor store.User, studentID string) (string, error) {
	student, err := s.loadStudent(ctx, actor, studentID)
	if err != nil {
		return "", err
	}
	return deadline.Nearest(student.Applications, s.now()), nil
}

// SendDigests mails every active agent and editor a digest of the threads
// waiting for them. It returns how many digests went out; failed sends are
// logged and skipped.
func (s *Service) SendDigests(ctx context.Context) (int, error) {
	if s.notifier == nil {
		return 0, fmt.Errorf("send digests: no notifier configured")
	}
	sent := 0
	for _, role := range []string{store.RoleAgent, store.RoleEditor} {
		users, err := s.store.ListUsers(ctx, role, false)
		if err != nil {
			return sent, fmt.Errorf("list %s users: %w", role, err)
		}
		for _, user := range users {
			if !user.Active() {
				continue
			}
			students, err := s.studentsFor(ctx, user)
			if err != nil {
				return sent, err
			}
			sections := escalation.BuildSections(students, user.ID, role, s.thresholds(), s.now())
			if len(sections) == 0 {
				continue
			}
			to := notify.Recipient{Firstname: user.Firstname, Lastname: user.Lastname, Address: user.Email}
			payload := map[string]any{"digest": escalation.RenderDigest(sections, s.cfg.PortalURL)}
			if err := s.notifier.Send(ctx, to, "digest."+role, payload); err != nil {
				s.log.Warn("digest failed", zap.String("user_id", user.ID), zap.Error(err))
				continue
			}
			sent++
		}
	}
	s.log.Info("digests sent", zap.Int("count", sent))
	return sent, nil
}

// ReconcileThreadLinks reports links that disagree with their thread and, when
// repair is set, rewrites them from the thread.
func (s *Service) ReconcileThreadLinks(ctx context.Context, repair bool) ([]store.LinkMismatch, error) {
	mismatches, err := s.store.ListLinkMismatches(ctx)
	if err != nil {
		return nil, err
	}
	for _, mismatch := range mismatches {
		s.log.Warn("thread link out of sync",
			zap.String("thread_id", mismatch.ThreadID),
			zap.String("owner_type", mismatch.OwnerType),
			zap.String("owner_id", mismatch.OwnerID),
			zap.Bool("thread_final", mismatch.ThreadFinal),
			zap.Bool("link_final", mismatch.LinkFinal),
		)
		if !repair {
			continue
		}
		if err := s.store.RepairThreadLink(ctx, mismatch.ThreadID); err != nil {
			return mismatches, fmt.Errorf("repair link %s: %w", mismatch.ThreadID, err)
		}
	}
	return mismatches, nil
}

// SearchThreads runs a full-text search limited to the threads the actor can see.
func (s *Service) SearchThreads(ctx context.Context, actor store.User, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if !s.Can(actor.Role, rbac.ActionRead) {
		return search.Response{}, errForbidden("role cannot search threads")
	}
	switch actor.Role {
	case store.RoleAdmin:
		q.StudentIDs = nil
	case store.RoleStudent:
		q.StudentIDs = []string{actor.ID}
	case store.RoleExternal:
		threads, err := s.store.ListThreads(ctx, store.ThreadFilter{OutsourcedUserID: actor.ID})
		if err != nil {
			return search.Response{}, fmt.Errorf("list writer threads: %w", err)
		}
		q.StudentIDs = studentIDsOf(threads)
	default:
		ids, err := s.store.ListStudentIDsForStaff(ctx, actor.ID, actor.Role)
		if err != nil {
			return search.Response{}, fmt.Errorf("list students: %w", err)
		}
		q.StudentIDs = ids
	}
	if actor.Role != store.RoleAdmin && len(q.StudentIDs) == 0 {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func studentIDsOf(threads []store.DocumentThread) []string {
	seen := map[string]bool{}
	ids := make([]string, 0, len(threads))
	for _, thread := range threads {
		if !seen[thread.StudentID] {
			seen[thread.StudentID] = true
			ids = append(ids, thread.StudentID)
		}
	}
	return ids
}

// ReindexSearch pushes every thread to the search index.
func (s *Service) ReindexSearch(ctx context.Context) (int, error) {
	if s.search == nil {
		return 0, nil
	}
	threads, err := s.store.ListThreads(ctx, store.ThreadFilter{})
	if err != nil {
		return 0, fmt.Errorf("list threads: %w", err)
	}
	records := make([]search.ThreadRecord, 0, len(threads))
	for _, thread := range threads {
		scope, err := s.loadThread(ctx, thread.ID)
		if err != nil {
			s.log.Warn("skip thread in reindex", zap.String("thread_id", thread.ID), zap.Error(err))
			continue
		}
		records = append(records, search.RecordFor(scope.thread, scope.student, scope.program()))
	}
	if err := s.search.ReindexAll(records); err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	return len(records), nil
}
