package rbac

import "admissions/api/internal/store"

type Role string
type Action string

const (
	RoleStudent  Role = store.RoleStudent
	RoleAgent    Role = store.RoleAgent
	RoleEditor   Role = store.RoleEditor
	RoleExternal Role = store.RoleExternal
	RoleAdmin    Role = store.RoleAdmin
)

const (
	ActionRead     Action = "read"
	ActionPost     Action = "post"
	ActionFinalize Action = "finalize"
	ActionModerate Action = "moderate"
	ActionAssign   Action = "assign"
	ActionDelete   Action = "delete"
	ActionAdmin    Action = "admin"
)

var grants = map[Role][]Action{
	RoleStudent:  {ActionRead, ActionPost},
	RoleExternal: {ActionRead, ActionPost},
	RoleEditor:   {ActionRead, ActionPost, ActionFinalize, ActionModerate},
	RoleAgent:    {ActionRead, ActionPost, ActionFinalize, ActionModerate, ActionAssign, ActionDelete},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleAgent, RoleEditor, RoleExternal, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}

// CanAccessThread reports whether the user belongs to the thread's team: the
// student themself, their agents and editors, the thread's essay writers and,
// for interviews, the trainers.
func CanAccessThread(user store.User, student store.Student, thread store.DocumentThread, trainerIDs []string) bool {
	if !user.Active() {
		return false
	}
	switch Role(user.Role) {
	case RoleAdmin:
		return true
	case RoleStudent:
		return user.ID == thread.StudentID
	}
	return contains(student.Agents, user.ID) ||
		contains(student.Editors, user.ID) ||
		contains(thread.OutsourcedUserIDs, user.ID) ||
		contains(trainerIDs, user.ID)
}

// CanAccessStudent reports whether staff member user works with the student.
func CanAccessStudent(user store.User, student store.Student) bool {
	switch Role(user.Role) {
	case RoleAdmin:
		return user.Active()
	case RoleStudent:
		return user.ID == student.ID
	}
	return user.Active() && (contains(student.Agents, user.ID) || contains(student.Editors, user.ID))
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
