// Package notify decides who is told about a thread lifecycle event and with
// which template.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admissions/api/internal/store"
)

type Event string

const (
	MessagePosted  Event = "messagePosted"
	Finalized      Event = "finalized"
	Reopened       Event = "reopened"
	MembersChanged Event = "membersChanged"
)

// Recipient roles used in template keys. RoleLead covers permission-flagged
// users that are not otherwise on the student's team.
const (
	RoleStudent = store.RoleStudent
	RoleAgent   = store.RoleAgent
	RoleEditor  = store.RoleEditor
	RoleWriter  = "writer"
	RoleTrainer = "trainer"
	RoleLead    = "lead"
)

// Categories of threads used in template keys.
const (
	CategoryGeneral   = "general"
	CategoryProgram   = "program"
	CategoryEssay     = "essay"
	CategoryInterview = "interview"
)

type Recipient struct {
	Firstname string
	Lastname  string
	Address   string
}

// Notifier delivers one rendered message.
type Notifier interface {
	Send(ctx context.Context, to Recipient, templateKey string, payload map[string]any) error
}

// Directory resolves user records for recipients.
type Directory interface {
	ListUsersByIDs(ctx context.Context, ids []string) ([]store.User, error)
	ListUsers(ctx context.Context, role string, leadsOnly bool) ([]store.User, error)
}

// Input describes one lifecycle event.
type Input struct {
	Event       Event
	ActorID     string
	Student     store.Student
	Thread      store.DocumentThread
	Application *store.Application
	// TrainerIDs are the interview trainers when the thread belongs to an interview.
	TrainerIDs []string
	// AddedIDs and MemberRole describe a membersChanged event.
	AddedIDs   []string
	MemberRole string
}

// Delivery is one routed notification.
type Delivery struct {
	UserID      string
	Role        string
	Recipient   Recipient
	TemplateKey string
	Payload     map[string]any
}

type Router struct {
	dir Directory
	log *zap.Logger
}

func NewRouter(dir Directory, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{dir: dir, log: log}
}

// Category classifies a thread for template selection.
func Category(thread store.DocumentThread) string {
	switch {
	case thread.FileType == store.FileInterview:
		return CategoryInterview
	case thread.FileType == store.FileEssay:
		return CategoryEssay
	case thread.IsGeneral():
		return CategoryGeneral
	default:
		return CategoryProgram
	}
}

// TemplateKey builds "{event}.{category}.{role}".
func TemplateKey(event Event, category, role string) string {
	return fmt.Sprintf("%s.%s.%s", event, category, role)
}

// ReminderKey is the "please assign" template for a role.
func ReminderKey(role string) string {
	return "reminder.assign." + role
}

// Route resolves the deliveries for an event. Archived students get nothing;
// archived staff are skipped. Each user appears at most once.
func (r *Router) Route(ctx context.Context, in Input) ([]Delivery, error) {
	if !in.Student.Active() {
		r.log.Debug("skip notifications for archived student", zap.String("student_id", in.Student.ID))
		return []Delivery{}, nil
	}
	plan := &plan{seen: map[string]bool{in.ActorID: true}, event: in.Event, category: Category(in.Thread)}
	payload := Payload(in)

	switch in.Event {
	case MessagePosted:
		if err := r.routeMessage(ctx, in, plan); err != nil {
			return nil, err
		}
	case Finalized, Reopened:
		plan.addStudent(in.Student)
		agents, err := r.users(ctx, in.Student.Agents)
		if err != nil {
			return nil, err
		}
		plan.addUsers(agents, RoleAgent, "")
	case MembersChanged:
		added, err := r.users(ctx, in.AddedIDs)
		if err != nil {
			return nil, err
		}
		plan.addUsers(added, in.MemberRole, "")
		if len(plan.entries) > 0 {
			plan.addStudent(in.Student)
		}
	default:
		return nil, fmt.Errorf("unknown event %q", in.Event)
	}

	deliveries := make([]Delivery, 0, len(plan.entries))
	for _, entry := range plan.entries {
		entry.Payload = payload
		deliveries = append(deliveries, entry)
	}
	return deliveries, nil
}

func (r *Router) routeMessage(ctx context.Context, in Input, p *plan) error {
	reviewerIDs, reviewerRole := reviewers(in)
	reviewers, err := r.users(ctx, reviewerIDs)
	if err != nil {
		return err
	}
	agents, err := r.users(ctx, in.Student.Agents)
	if err != nil {
		return err
	}

	if in.ActorID != in.Student.ID {
		p.addStudent(in.Student)
		p.addUsers(reviewers, reviewerRole, "")
		p.addUsers(agents, RoleAgent, "")
		return nil
	}

	if len(reviewers) > 0 {
		p.addUsers(reviewers, reviewerRole, "")
		p.addUsers(agents, RoleAgent, "")
		return nil
	}

	leads, err := r.dir.ListUsers(ctx, "", true)
	if err != nil {
		return fmt.Errorf("list leads: %w", err)
	}
	r.log.Info("no reviewer assigned, reminding agents and leads",
		zap.String("thread_id", in.Thread.ID),
		zap.String("reviewer_role", reviewerRole),
	)
	p.addUsers(agents, RoleAgent, ReminderKey(RoleAgent))
	p.addUsers(leads, RoleLead, ReminderKey(RoleLead))
	return nil
}

// reviewers picks who reviews the thread: trainers for interviews, essay
// writers for essays, the student's editors otherwise.
func reviewers(in Input) ([]string, string) {
	switch Category(in.Thread) {
	case CategoryInterview:
		return in.TrainerIDs, RoleTrainer
	case CategoryEssay:
		return in.Thread.OutsourcedUserIDs, RoleWriter
	default:
		return in.Student.Editors, RoleEditor
	}
}

func (r *Router) users(ctx context.Context, ids []string) ([]store.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := r.dir.ListUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	return users, nil
}

// Payload is the template data shared by every delivery of an event.
func Payload(in Input) map[string]any {
	payload := map[string]any{
		"studentFirstname": in.Student.Firstname,
		"studentLastname":  in.Student.Lastname,
		"threadId":         in.Thread.ID,
		"fileType":         in.Thread.FileType,
		"updatedAt":        in.Thread.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if in.Application != nil {
		payload["school"] = in.Application.Program.School
		payload["programName"] = in.Application.Program.ProgramName
	}
	return payload
}

type plan struct {
	seen     map[string]bool
	event    Event
	category string
	entries  []Delivery
}

func (p *plan) addStudent(student store.Student) {
	if p.seen[student.ID] {
		return
	}
	p.seen[student.ID] = true
	p.entries = append(p.entries, Delivery{
		UserID:      student.ID,
		Role:        RoleStudent,
		Recipient:   Recipient{Firstname: student.Firstname, Lastname: student.Lastname, Address: student.Email},
		TemplateKey: TemplateKey(p.event, p.category, RoleStudent),
	})
}

func (p *plan) addUsers(users []store.User, role, templateKey string) {
	for _, user := range users {
		if !user.Active() || p.seen[user.ID] {
			continue
		}
		p.seen[user.ID] = true
		key := templateKey
		if key == "" {
			key = TemplateKey(p.event, p.category, role)
		}
		p.entries = append(p.entries, Delivery{
			UserID:      user.ID,
			Role:        role,
			Recipient:   Recipient{Firstname: user.Firstname, Lastname: user.Lastname, Address: user.Email},
			TemplateKey: key,
		})
	}
}

// Dispatch sends every delivery, logging failures. It returns the number of
// messages that went out.
func Dispatch(ctx context.Context, log *zap.Logger, notifier Notifier, deliveries []Delivery) int {
	sent := 0
	for _, delivery := range deliveries {
		if err := notifier.Send(ctx, delivery.Recipient, delivery.TemplateKey, delivery.Payload); err != nil {
			log.Warn("notification failed",
				zap.String("user_id", delivery.UserID),
				zap.String("template", delivery.TemplateKey),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}
