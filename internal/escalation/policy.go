package escalation

import "admissions/api/internal/store"

// Policy decides whether a non-final thread needs the viewer's attention.
type Policy struct {
	Role string
	// NeedsAttention receives the author of the latest message ("" when nobody wrote yet).
	NeedsAttention func(latestAuthorID, viewerID string) bool
}

var policies = map[string]Policy{
	store.RoleStudent: {
		Role: store.RoleStudent,
		NeedsAttention: func(latestAuthorID, viewerID string) bool {
			return latestAuthorID != viewerID
		},
	},
	store.RoleEditor: {
		Role: store.RoleEditor,
		NeedsAttention: func(latestAuthorID, viewerID string) bool {
			return latestAuthorID != "" && latestAuthorID != viewerID
		},
	},
	store.RoleAgent: {
		Role: store.RoleAgent,
		NeedsAttention: func(string, string) bool {
			return true
		},
	},
}

// PolicyFor returns the policy for role. Admins triage like agents and
// external essay writers review like editors.
func PolicyFor(role string) (Policy, bool) {
	switch role {
	case store.RoleAdmin:
		role = store.RoleAgent
	case store.RoleExternal:
		role = store.RoleEditor
	}
	policy, ok := policies[role]
	return policy, ok
}
