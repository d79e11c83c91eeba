package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"admissions/api/internal/store"
)

type fakeDirectory struct {
	users []store.User
}

func (f fakeDirectory) ListUsersByIDs(_ context.Context, ids []string) ([]store.User, error) {
	out := []store.User{}
	for _, id := range ids {
		for _, user := range f.users {
			if user.ID == id {
				out = append(out, user)
			}
		}
	}
	return out, nil
}

func (f fakeDirectory) ListUsers(_ context.Context, role string, leadsOnly bool) ([]store.User, error) {
	out := []store.User{}
	for _, user := range f.users {
		if user.Archived || (role != "" && user.Role != role) || (leadsOnly && !user.IsLead) {
			continue
		}
		out = append(out, user)
	}
	return out, nil
}

var updated = time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

func directory() fakeDirectory {
	return fakeDirectory{users: []store.User{
		{ID: "agent-1", Firstname: "Alice", Role: store.RoleAgent, Email: "alice@example.com", IsLead: true},
		{ID: "agent-2", Firstname: "Archie", Role: store.RoleAgent, Email: "archie@example.com", Archived: true},
		{ID: "editor-1", Firstname: "Eve", Role: store.RoleEditor, Email: "eve@example.com"},
		{ID: "lead-1", Firstname: "Leo", Role: store.RoleEditor, Email: "leo@example.com", IsLead: true},
		{ID: "writer-1", Firstname: "Will", Role: store.RoleExternal, Email: "will@example.com"},
	}}
}

func student() store.Student {
	return store.Student{
		ID:        "stu-1",
		Firstname: "Ada",
		Lastname:  "Lovelace",
		Email:     "ada@example.com",
		Agents:    []string{"agent-1", "agent-2"},
		Editors:   []string{"editor-1"},
	}
}

func programThread() (store.DocumentThread, *store.Application) {
	app := &store.Application{ID: "app-1", Program: store.Program{School: "TUM", ProgramName: "Informatics"}}
	return store.DocumentThread{ID: "thr-1", FileType: store.FileML, StudentID: "stu-1", ApplicationID: "app-1", UpdatedAt: updated}, app
}

func keysByUser(deliveries []Delivery) map[string]string {
	out := map[string]string{}
	for _, d := range deliveries {
		out[d.UserID] = d.TemplateKey
	}
	return out
}

func TestFinalizedNotifiesStudentAndActiveAgents(t *testing.T) {
	thread, app := programThread()
	router := NewRouter(directory(), nil)

	got, err := router.Route(context.Background(), Input{Event: Finalized, ActorID: "editor-1", Student: student(), Thread: thread, Application: app})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"stu-1":   "finalized.program.student",
		"agent-1": "finalized.program.agent",
	}, keysByUser(got))
}

func TestPayloadCarriesProgramContext(t *testing.T) {
	thread, app := programThread()
	payload := Payload(Input{Student: student(), Thread: thread, Application: app})

	assert.Equal(t, "Ada", payload["studentFirstname"])
	assert.Equal(t, "Lovelace", payload["studentLastname"])
	assert.Equal(t, "thr-1", payload["threadId"])
	assert.Equal(t, "2025-04-02T10:00:00Z", payload["updatedAt"])
	assert.Equal(t, "TUM", payload["school"])
	assert.Equal(t, "Informatics", payload["programName"])

	general := Payload(Input{Student: student(), Thread: store.DocumentThread{ID: "thr-cv", FileType: store.FileCV}})
	assert.NotContains(t, general, "school")
}

func TestStudentPostRoutesToEditorsAndAgents(t *testing.T) {
	thread, app := programThread()
	router := NewRouter(directory(), nil)

	got, err := router.Route(context.Background(), Input{Event: MessagePosted, ActorID: "stu-1", Student: student(), Thread: thread, Application: app})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"editor-1": "messagePosted.program.editor",
		"agent-1":  "messagePosted.program.agent",
	}, keysByUser(got))
}

func TestStudentPostWithoutEditorFallsBackToReminder(t *testing.T) {
	s := student()
	s.Editors = nil
	router := NewRouter(directory(), nil)

	got, err := router.Route(context.Background(), Input{
		Event:   MessagePosted,
		ActorID: "stu-1",
		Student: s,
		Thread:  store.DocumentThread{ID: "thr-cv", FileType: store.FileCV, StudentID: "stu-1"},
	})
	require.NoError(t, err)

	// agent-1 is also a lead but only hears once
	assert.Equal(t, map[string]string{
		"agent-1": "reminder.assign.agent",
		"lead-1":  "reminder.assign.lead",
	}, keysByUser(got))
}

func TestEssayReviewersAreWriters(t *testing.T) {
	router := NewRouter(directory(), nil)
	essay := store.DocumentThread{ID: "thr-e", FileType: store.FileEssay, ApplicationID: "app-1", OutsourcedUserIDs: []string{"writer-1"}}

	got, err := router.Route(context.Background(), Input{Event: MessagePosted, ActorID: "stu-1", Student: student(), Thread: essay})
	require.NoError(t, err)
	assert.Equal(t, "messagePosted.essay.writer", keysByUser(got)["writer-1"])
	assert.NotContains(t, keysByUser(got), "editor-1")

	essay.OutsourcedUserIDs = nil
	got, err = router.Route(context.Background(), Input{Event: MessagePosted, ActorID: "stu-1", Student: student(), Thread: essay})
	require.NoError(t, err)
	assert.Equal(t, "reminder.assign.agent", keysByUser(got)["agent-1"])
}

func TestInterviewReviewersAreTrainers(t *testing.T) {
	router := NewRouter(directory(), nil)
	interview := store.DocumentThread{ID: "thr-i", FileType: store.FileInterview, ApplicationID: "app-1"}

	got, err := router.Route(context.Background(), Input{Event: MessagePosted, ActorID: "stu-1", Student: student(), Thread: interview, TrainerIDs: []string{"lead-1"}})
	require.NoError(t, err)
	assert.Equal(t, "messagePosted.interview.trainer", keysByUser(got)["lead-1"])
}

func TestStaffPostNotifiesStudentNotActor(t *testing.T) {
	thread, app := programThread()
	router := NewRouter(directory(), nil)

	got, err := router.Route(context.Background(), Input{Event: MessagePosted, ActorID: "editor-1", Student: student(), Thread: thread, Application: app})
	require.NoError(t, err)

	keys := keysByUser(got)
	assert.Equal(t, "messagePosted.program.student", keys["stu-1"])
	assert.NotContains(t, keys, "editor-1")
	assert.NotContains(t, keys, "agent-2")
}

func TestArchivedStudentGetsNothing(t *testing.T) {
	s := student()
	s.Archived = true
	thread, app := programThread()
	router := NewRouter(directory(), nil)

	got, err := router.Route(context.Background(), Input{Event: Reopened, ActorID: "agent-1", Student: s, Thread: thread, Application: app})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMembersChangedNotifiesAddedAndStudent(t *testing.T) {
	router := NewRouter(directory(), nil)

	got, err := router.Route(context.Background(), Input{
		Event:      MembersChanged,
		ActorID:    "agent-1",
		Student:    student(),
		Thread:     store.DocumentThread{ID: "thr-cv", FileType: store.FileCV},
		AddedIDs:   []string{"editor-1", "lead-1"},
		MemberRole: RoleEditor,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"editor-1": "membersChanged.general.editor",
		"lead-1":   "membersChanged.general.editor",
		"stu-1":    "membersChanged.general.student",
	}, keysByUser(got))

	got, err = router.Route(context.Background(), Input{Event: MembersChanged, ActorID: "agent-1", Student: student()})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUnknownEvent(t *testing.T) {
	_, err := NewRouter(directory(), nil).Route(context.Background(), Input{Event: "bogus", Student: student()})
	require.Error(t, err)
}

type recordingNotifier struct {
	sent []string
	fail map[string]bool
}

func (n *recordingNotifier) Send(_ context.Context, to Recipient, key string, _ map[string]any) error {
	if n.fail[to.Address] {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, to.Address+" "+key)
	return nil
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	notifier := &recordingNotifier{fail: map[string]bool{"a@example.com": true}}
	deliveries := []Delivery{
		{UserID: "a", Recipient: Recipient{Address: "a@example.com"}, TemplateKey: "k1"},
		{UserID: "b", Recipient: Recipient{Address: "b@example.com"}, TemplateKey: "k2"},
	}

	sent := Dispatch(context.Background(), zap.NewNop(), notifier, deliveries)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"b@example.com k2"}, notifier.sent)
}
