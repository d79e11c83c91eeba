// Package membership computes assignee set changes for agents, editors,
// essay writers and interview trainers.
package membership

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"admissions/api/internal/store"
)

// Resolver looks up the user records behind candidate ids.
type Resolver interface {
	ListUsersByIDs(ctx context.Context, ids []string) ([]store.User, error)
}

// Delta is the outcome of comparing a submitted assignee set to the current one.
// Updated is the set to persist: current members that stay, in their current
// order, followed by the accepted additions sorted by id.
type Delta struct {
	Added     []string
	Removed   []string
	Unchanged []string
	Updated   []string
	Dropped   []string
}

// Changed reports whether persisting Updated would alter the current set.
func (d Delta) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// Diff compares submitted (candidate id to intent) with current. Only ids
// mapped to true are kept. New ids must resolve to an active user, and to one
// of roles when roles are given; the rest are dropped with a warning.
func Diff(ctx context.Context, log *zap.Logger, users Resolver, submitted map[string]bool, current []string, roles ...string) (Delta, error) {
	if log == nil {
		log = zap.NewNop()
	}
	wanted := make(map[string]bool, len(submitted))
	for id, keep := range submitted {
		id = strings.TrimSpace(id)
		if keep && id != "" {
			wanted[id] = true
		}
	}

	delta := Delta{
		Added:     []string{},
		Removed:   []string{},
		Unchanged: []string{},
		Updated:   []string{},
		Dropped:   []string{},
	}
	seen := make(map[string]bool, len(current))
	for _, id := range current {
		if seen[id] {
			continue
		}
		seen[id] = true
		if wanted[id] {
			delta.Unchanged = append(delta.Unchanged, id)
		} else {
			delta.Removed = append(delta.Removed, id)
		}
	}

	candidates := make([]string, 0, len(wanted))
	for id := range wanted {
		if !seen[id] {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)

	if len(candidates) > 0 {
		if users == nil {
			return Delta{}, fmt.Errorf("membership: no user resolver")
		}
		records, err := users.ListUsersByIDs(ctx, candidates)
		if err != nil {
			return Delta{}, fmt.Errorf("resolve candidates: %w", err)
		}
		byID := make(map[string]store.User, len(records))
		for _, user := range records {
			byID[user.ID] = user
		}
		for _, id := range candidates {
			user, ok := byID[id]
			switch {
			case !ok:
				log.Warn("membership candidate not found", zap.String("user_id", id))
				delta.Dropped = append(delta.Dropped, id)
			case !user.Active():
				log.Warn("membership candidate disabled", zap.String("user_id", id))
				delta.Dropped = append(delta.Dropped, id)
			case !roleAllowed(user.Role, roles):
				log.Warn("membership candidate has wrong role",
					zap.String("user_id", id),
					zap.String("role", user.Role),
					zap.Strings("allowed", roles),
				)
				delta.Dropped = append(delta.Dropped, id)
			default:
				delta.Added = append(delta.Added, id)
			}
		}
	}

	delta.Updated = append(delta.Updated, delta.Unchanged...)
	delta.Updated = append(delta.Updated, delta.Added...)
	return delta, nil
}

func roleAllowed(role string, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, allowed := range roles {
		if role == allowed {
			return true
		}
	}
	return false
}
