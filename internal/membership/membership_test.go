package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"admissions/api/internal/store"
)

type fakeResolver struct {
	users []store.User
	calls [][]string
	err   error
}

func (f *fakeResolver) ListUsersByIDs(_ context.Context, ids []string) ([]store.User, error) {
	f.calls = append(f.calls, append([]string(nil), ids...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.User, 0, len(ids))
	for _, id := range ids {
		for _, user := range f.users {
			if user.ID == id {
				out = append(out, user)
			}
		}
	}
	return out, nil
}

func editors() *fakeResolver {
	return &fakeResolver{users: []store.User{
		{ID: "ed-1", Role: store.RoleEditor},
		{ID: "ed-2", Role: store.RoleEditor},
		{ID: "ed-3", Role: store.RoleEditor},
		{ID: "ed-old", Role: store.RoleEditor, Archived: true},
		{ID: "agent-1", Role: store.RoleAgent},
	}}
}

func TestDiffAddsRemovesAndKeeps(t *testing.T) {
	delta, err := Diff(context.Background(), nil, editors(),
		map[string]bool{"ed-1": true, "ed-3": true, "ed-2": false},
		[]string{"ed-2", "ed-1"},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"ed-3"}, delta.Added)
	assert.Equal(t, []string{"ed-2"}, delta.Removed)
	assert.Equal(t, []string{"ed-1"}, delta.Unchanged)
	assert.Equal(t, []string{"ed-1", "ed-3"}, delta.Updated)
	assert.Empty(t, delta.Dropped)
	assert.True(t, delta.Changed())
}

func TestDiffAddedAndRemovedAreDisjoint(t *testing.T) {
	delta, err := Diff(context.Background(), nil, editors(),
		map[string]bool{"ed-1": true, "ed-2": true, "ed-3": false},
		[]string{"ed-3", "ed-1"},
	)
	require.NoError(t, err)

	removed := map[string]bool{}
	for _, id := range delta.Removed {
		removed[id] = true
	}
	for _, id := range delta.Added {
		assert.False(t, removed[id], "%s both added and removed", id)
	}
}

func TestDiffSameSetIsNoop(t *testing.T) {
	resolver := editors()
	delta, err := Diff(context.Background(), nil, resolver,
		map[string]bool{"ed-1": true, "ed-2": true},
		[]string{"ed-2", "ed-1"},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"ed-2", "ed-1"}, delta.Updated)
	assert.False(t, delta.Changed())
	assert.Empty(t, resolver.calls, "nothing new to resolve")
}

func TestDiffIsIdempotent(t *testing.T) {
	submitted := map[string]bool{"ed-1": true, "ed-3": true, "ghost": true}
	first, err := Diff(context.Background(), nil, editors(), submitted, []string{"ed-2"})
	require.NoError(t, err)

	second, err := Diff(context.Background(), nil, editors(), submitted, first.Updated)
	require.NoError(t, err)

	assert.Equal(t, first.Updated, second.Updated)
	assert.Empty(t, second.Added)
	assert.Empty(t, second.Removed)
}

func TestDiffDropsUnknownDisabledAndWrongRole(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	delta, err := Diff(context.Background(), zap.New(core), editors(),
		map[string]bool{"ed-1": true, "ghost": true, "ed-old": true, "agent-1": true},
		nil,
		store.RoleEditor,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"ed-1"}, delta.Added)
	assert.Equal(t, []string{"agent-1", "ed-old", "ghost"}, delta.Dropped)
	assert.Equal(t, []string{"ed-1"}, delta.Updated)
	assert.Equal(t, 3, logs.Len())
}

func TestDiffWithoutRoleFilterAcceptsAnyActiveUser(t *testing.T) {
	delta, err := Diff(context.Background(), nil, editors(),
		map[string]bool{"agent-1": true, "ed-2": true},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "ed-2"}, delta.Added)
}

func TestDiffDeduplicatesCurrent(t *testing.T) {
	delta, err := Diff(context.Background(), nil, editors(),
		map[string]bool{"ed-1": true},
		[]string{"ed-1", "ed-1", "ed-2", "ed-2"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"ed-1"}, delta.Updated)
	assert.Equal(t, []string{"ed-2"}, delta.Removed)
}

func TestDiffPropagatesResolverError(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("db down")}
	_, err := Diff(context.Background(), nil, resolver, map[string]bool{"ed-1": true}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
