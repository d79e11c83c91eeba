package store

import (
	"path"
	"strings"
	"time"
)

// File types for document threads.
const (
	FileCV                 = "CV"
	FileML                 = "ML"
	FileRLA                = "RL_A"
	FileRLB                = "RL_B"
	FileRLC                = "RL_C"
	FileEssay              = "Essay"
	FileSupplementaryForm  = "Supplementary_Form"
	FileCurriculumAnalysis = "Curriculum_Analysis"
	FilePortfolio          = "Portfolio"
	FileOthers             = "Others"
	FileInterview          = "Interview"
)

var knownFileTypes = map[string]struct{}{
	FileCV: {}, FileML: {}, FileRLA: {}, FileRLB: {}, FileRLC: {}, FileEssay: {},
	FileSupplementaryForm: {}, FileCurriculumAnalysis: {}, FilePortfolio: {},
	FileOthers: {}, FileInterview: {},
}

// IsKnownFileType reports whether fileType is one of the thread categories.
func IsKnownFileType(fileType string) bool {
	_, ok := knownFileTypes[fileType]
	return ok
}

// Tri-state application flags.
const (
	FlagYes     = "O"
	FlagPending = "-"
	FlagNo      = "X"
)

// User roles.
const (
	RoleStudent  = "student"
	RoleAgent    = "agent"
	RoleEditor   = "editor"
	RoleExternal = "external"
	RoleAdmin    = "admin"
)

type User struct {
	ID        string
	Firstname string
	Lastname  string
	Email     string
	Role      string
	Archived  bool
	// IsLead marks users holding the "can assign reviewers" permission.
	IsLead    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u User) Active() bool {
	return !u.Archived
}

type ThreadLink struct {
	ThreadID              string
	FileType              string
	IsFinalVersion        bool
	LatestMessageAuthorID string
	UpdatedAt             time.Time
}

type AttachedFile struct {
	Name       string `json:"name"`
	StorageKey string `json:"path"`
}

// Extension returns the lower-cased extension of the attachment name.
func (f AttachedFile) Extension() string {
	return strings.ToLower(path.Ext(f.Name))
}

type Message struct {
	ID        string
	ThreadID  string
	AuthorID  string
	Body      string
	Files     []AttachedFile
	Ignored   bool
	CreatedAt time.Time
}

type DocumentThread struct {
	ID                string
	FileType          string
	StudentID         string
	ProgramID         string
	ApplicationID     string
	IsFinalVersion    bool
	OutsourcedUserIDs []string
	FlaggedByUserIDs  []string
	Messages          []Message
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsGeneral reports whether the thread is not tied to an application.
func (t DocumentThread) IsGeneral() bool {
	return t.ApplicationID == ""
}

// LatestAuthor returns the author of the newest message or "" when nobody has written yet.
func (t DocumentThread) LatestAuthor() string {
	if len(t.Messages) == 0 {
		return ""
	}
	return t.Messages[len(t.Messages)-1].AuthorID
}

// Link projects the thread into the denormalized copy stored on the owner.
func (t DocumentThread) Link() ThreadLink {
	return ThreadLink{
		ThreadID:              t.ID,
		FileType:              t.FileType,
		IsFinalVersion:        t.IsFinalVersion,
		LatestMessageAuthorID: t.LatestAuthor(),
		UpdatedAt:             t.UpdatedAt,
	}
}

type Program struct {
	ID                  string
	School              string
	ProgramName         string
	Degree              string
	Semester            string
	ApplicationDeadline string
}

type Application struct {
	ID              string
	StudentID       string
	ProgramID       string
	Program         Program
	ApplicationYear int
	Decided         string
	Closed          string
	Admission       string
	DocThreads      []ThreadLink
	CreatedAt       time.Time
}

// IsDecided reports whether the student committed to applying.
func (a Application) IsDecided() bool {
	return a.Decided == FlagYes
}

// IsWithdrawn reports whether the student withdrew the application.
func (a Application) IsWithdrawn() bool {
	return strings.EqualFold(a.Decided, "withdraw") || a.Closed == FlagNo
}

type CourseRecord struct {
	UpdatedAt         time.Time
	AnalysisUpdatedAt *time.Time
}

type Student struct {
	ID                string
	Firstname         string
	Lastname          string
	Email             string
	Archived          bool
	Agents            []string
	Editors           []string
	IsGraduated       string
	Courses           *CourseRecord
	GeneralDocThreads []ThreadLink
	Applications      []Application
}

func (s Student) Active() bool {
	return !s.Archived
}

// User returns the user view of the student for notifications.
func (s Student) User() User {
	return User{ID: s.ID, Firstname: s.Firstname, Lastname: s.Lastname, Email: s.Email, Role: RoleStudent, Archived: s.Archived}
}

type Interview struct {
	ID         string
	StudentID  string
	ProgramID  string
	ThreadID   string
	TrainerIDs []string
	IsClosed   bool
	CreatedAt  time.Time
}

type AuditRecord struct {
	ID                     int64
	PerformedBy            string
	TargetUserID           string
	TargetDocumentThreadID string
	InterviewThreadID      string
	Action                 string
	Field                  string
	Before                 any
	After                  any
	CreatedAt              time.Time
}

// LinkMismatch describes a thread link that diverged from its thread.
type LinkMismatch struct {
	ThreadID      string
	OwnerType     string
	OwnerID       string
	ThreadFinal   bool
	LinkFinal     bool
	ThreadAuthor  string
	LinkAuthor    string
	ThreadUpdated time.Time
	LinkUpdated   time.Time
}
