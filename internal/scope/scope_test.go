package scope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value string
		want  Key
	}{
		{"strips id suffix", "user_id", "u1", "user:u1"},
		{"plain field", "team", "t9", "team:t9"},
		{"nested suffix stripped once", "owner_user_id", "u2", "owner_user:u2"},
		{"suffix only keeps field", "_id", "x", "_id:x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewKey(tt.field, tt.value))
		})
	}
}

func TestPartitionedKey(t *testing.T) {
	pk := Key("user:u1").InPartition("default")
	assert.Equal(t, PartitionedKey("default::user:u1"), pk)

	partition, key := pk.Split()
	assert.Equal(t, "default", partition)
	assert.Equal(t, Key("user:u1"), key)
}

func TestFromScopes(t *testing.T) {
	s, err := FromScopes(map[string]any{
		"user_id": []any{"u1", "u2"},
		"team_id": "t1",
		"empty":   "",
		"nothing": nil,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:u1", "user:u2", "team:t1"}, s.Strings())

	_, err = FromScopes(map[string]any{"user_id": 42})
	assert.Error(t, err)

	_, err = FromScopes(map[string]any{"user_id": []any{"u1", 7}})
	assert.Error(t, err)
}

func TestSetOperations(t *testing.T) {
	a := NewSet("user:u1", "user:u2")
	b := NewSet("user:u2", "team:t1")

	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(NewSet("team:t2")))
	assert.True(t, NewSet("user:u1").SubsetOf(a))
	assert.False(t, b.SubsetOf(a))

	a.Merge(b)
	assert.Equal(t, []string{"team:t1", "user:u1", "user:u2"}, a.Strings())

	pks := NewSet("user:u1").Partitioned("p1")
	assert.Equal(t, []PartitionedKey{"p1::user:u1"}, pks)
}

func TestResolutionMatches(t *testing.T) {
	r := Resolution{Keys: NewSet("user:u1")}
	assert.True(t, r.Matches([]string{"team:t1", "user:u1"}))
	assert.False(t, r.Matches([]string{"team:t1"}))
	assert.False(t, r.Empty())

	all := Resolution{All: true}
	assert.True(t, all.Matches(nil))
	assert.False(t, all.Empty())

	assert.True(t, Resolution{}.Empty())
}

func TestFieldHandlerRowScopes(t *testing.T) {
	h := NewFieldHandler("tasks", "user_id", "project_id")

	scopes := h.RowScopes(map[string]any{
		"id":         "t1",
		"user_id":    "u1",
		"project_id": []any{"p1", "p2"},
		"title":      "A",
	})
	assert.Equal(t, "u1", scopes["user_id"])
	assert.Equal(t, []string{"p1", "p2"}, scopes["project_id"])

	scopes = h.RowScopes(map[string]any{"id": "t2", "user_id": nil})
	assert.Empty(t, scopes)
}

func TestFieldHandlerResolve(t *testing.T) {
	h := NewFieldHandler("tasks", "user_id")
	ctx := context.Background()

	grant := Grant{ActorID: "u1", Keys: NewSet("user:u1")}

	res, err := h.Resolve(ctx, grant, map[string]any{"user_id": "u1"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Matches([]string{"user:u1"}))
	assert.False(t, res.All)

	// Requesting a scope outside the grant is denied.
	_, err = h.Resolve(ctx, grant, map[string]any{"user_id": "u2"}, nil)
	assert.ErrorIs(t, err, ErrDenied)

	// Wildcard grants see everything when no scope is requested.
	res, err = h.Resolve(ctx, Grant{Wildcard: true}, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.All)

	// A wildcard grant narrows itself by requesting scopes.
	res, err = h.Resolve(ctx, Grant{Wildcard: true}, map[string]any{"user_id": "u3"}, nil)
	require.NoError(t, err)
	assert.False(t, res.All)
	assert.True(t, res.Matches([]string{"user:u3"}))
	assert.False(t, res.Matches([]string{"user:u4"}))

	// An empty request under a scoped grant falls back to the grant.
	res, err = h.Resolve(ctx, grant, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.All)
	assert.True(t, res.Matches([]string{"user:u1"}))
	assert.False(t, res.Matches([]string{"user:u2"}))

	// Only an empty grant resolves to nothing.
	res, err = h.Resolve(ctx, Grant{ActorID: "u9"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestRegistry(t *testing.T) {
	fallback := NewFieldHandler("*", "user_id")
	r := NewRegistry(fallback)
	r.Register(NewFieldHandler("tasks", "user_id", "project_id"))

	assert.Equal(t, "tasks", r.Lookup("tasks").Table())
	assert.Equal(t, "*", r.Lookup("unknown").Table())

	infos := r.Handlers()
	require.Len(t, infos, 2)
	assert.Equal(t, "tasks", infos[0].Table)
	assert.Equal(t, []string{"user_id", "project_id"}, infos[0].Fields)
	assert.True(t, infos[1].Default)
}
