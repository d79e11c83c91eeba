package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admissions/api/internal/auth"
	"admissions/api/internal/blob"
	"admissions/api/internal/config"
	"admissions/api/internal/escalation"
	"admissions/api/internal/notify"
	"admissions/api/internal/outbox"
	"admissions/api/internal/rbac"
	"admissions/api/internal/search"
	"admissions/api/internal/store"
)

// Session is the authenticated actor of a request.
type Session struct {
	Token     string
	User      store.User
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUser(context.Context, string) (store.User, error)
	ListUsersByIDs(context.Context, []string) ([]store.User, error)
	ListUsers(context.Context, string, bool) ([]store.User, error)
	GetStudent(context.Context, string) (store.Student, error)
	ListStudentIDsForStaff(context.Context, string, string) ([]string, error)
	UpdateStudentMembers(context.Context, string, string, []string) error
	GetApplication(context.Context, string) (store.Application, error)
	GetInterview(context.Context, string) (store.Interview, error)
	GetInterviewByThread(context.Context, string) (store.Interview, error)
	UpdateInterviewTrainers(context.Context, string, []string) error
	CreateInterview(context.Context, store.Interview, store.DocumentThread) error
	GetThread(context.Context, string) (store.DocumentThread, error)
	ListThreads(context.Context, store.ThreadFilter) ([]store.DocumentThread, error)
	CreateThread(context.Context, store.DocumentThread) error
	DeleteThread(context.Context, string) error
	SetThreadFinal(context.Context, string, bool, time.Time) error
	AppendMessage(context.Context, store.Message) error
	DeleteMessage(context.Context, string, string, time.Time) (store.Message, error)
	SetMessageIgnored(context.Context, string, string, bool) error
	UpdateThreadUsers(context.Context, string, string, []string) error
	ListLinkMismatches(context.Context) ([]store.LinkMismatch, error)
	RepairThreadLink(context.Context, string) error
	InsertAudit(context.Context, store.AuditRecord) error
	ListAudit(context.Context, string, uint64) ([]store.AuditRecord, error)
}

// Deps are the collaborators behind the side effects of a thread operation.
type Deps struct {
	Blobs    blob.Store
	Outbox   *outbox.Outbox
	Search   *search.Service
	Notifier notify.Notifier
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	blobs    blob.Store
	outbox   *outbox.Outbox
	search   *search.Service
	router   *notify.Router
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, dataStore dataStore, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	blobs := deps.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}
	box := deps.Outbox
	if box == nil {
		box = outbox.New(outbox.NewMemoryQueue(256), log)
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		blobs:    blobs,
		outbox:   box,
		search:   deps.Search,
		router:   notify.NewRouter(dataStore, log.Named("notify")),
		notifier: deps.Notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUser(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if !user.Active() {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		User:      user,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// IssueToken signs an access token for a user. It backs the operator CLI.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errNotFound("user")
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	return auth.IssueFor([]byte(s.cfg.JWTSecret), user, s.cfg.AccessTTL, s.now())
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) thresholds() escalation.Thresholds {
	return escalation.Thresholds{
		AgeDays:             s.cfg.EscalationAgeDays,
		DeadlineTriggerDays: s.cfg.EscalationDeadlineDaysTrigger,
	}
}

// threadScope is a thread together with everything needed to authorize and
// describe it.
type threadScope struct {
	thread      store.DocumentThread
	student     store.Student
	application *store.Application
	trainerIDs  []string
}

func (t threadScope) program() *store.Program {
	if t.application == nil {
		return nil
	}
	program := t.application.Program
	return &program
}

func (s *Service) loadThread(ctx context.Context, threadID string) (threadScope, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return threadScope{}, errNotFound("thread")
		}
		return threadScope{}, fmt.Errorf("load thread: %w", err)
	}
	student, err := s.store.GetStudent(ctx, thread.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return threadScope{}, errNotFound("student")
		}
		return threadScope{}, fmt.Errorf("load student: %w", err)
	}
	scope := threadScope{thread: thread, student: student}
	if !thread.IsGeneral() {
		application, err := s.store.GetApplication(ctx, thread.ApplicationID)
		switch {
		case err == nil:
			scope.application = &application
		case errors.Is(err, sql.ErrNoRows):
			s.log.Warn("thread references missing application",
				zap.String("thread_id", thread.ID),
				zap.String("application_id", thread.ApplicationID),
			)
		default:
			return threadScope{}, fmt.Errorf("load application: %w", err)
		}
	}
	if thread.FileType == store.FileInterview {
		interview, err := s.store.GetInterviewByThread(ctx, thread.ID)
		switch {
		case err == nil:
			scope.trainerIDs = interview.TrainerIDs
		case !errors.Is(err, sql.ErrNoRows):
			return threadScope{}, fmt.Errorf("load interview: %w", err)
		}
	}
	return scope, nil
}

// authorize checks both the role grant and the actor's relation to the thread.
func (s *Service) authorize(actor store.User, scope threadScope, action rbac.Action) error {
	if !s.Can(actor.Role, action) {
		return errForbidden("role cannot " + string(action) + " threads")
	}
	if !rbac.CanAccessThread(actor, scope.student, scope.thread, scope.trainerIDs) {
		return errForbidden("no access to this thread")
	}
	return nil
}

func (s *Service) loadStudent(ctx context.Context, actor store.User, studentID string) (store.Student, error) {
	student, err := s.store.GetStudent(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Student{}, errNotFound("student")
		}
		return store.Student{}, fmt.Errorf("load student: %w", err)
	}
	if !rbac.CanAccessStudent(actor, student) {
		return store.Student{}, errForbidden("no access to this student")
	}
	return student, nil
}

func (s *Service) audit(ctx context.Context, record store.AuditRecord) {
	s.outbox.Publish(ctx, outbox.KindAudit, record)
}

func (s *Service) notify(ctx context.Context, in notify.Input) {
	s.outbox.Publish(ctx, outbox.KindNotify, in)
}

func (s *Service) reindex(scope threadScope) {
	if s.search == nil {
		return
	}
	s.search.IndexThread(search.RecordFor(scope.thread, scope.student, scope.program()))
}
