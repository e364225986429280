package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/state"
)

func TestStore_SetGetDelete(t *testing.T) {
	s := state.NewStore()
	_, ok := s.Get("ns", "k")
	assert.False(t, ok)

	s.Set("ns", "k", "v")
	v, ok := s.Get("ns", "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	s.Delete("ns", "k")
	_, ok = s.Get("ns", "k")
	assert.False(t, ok)
}

func TestStore_EntityQuery_FiltersByTypeAndProperty(t *testing.T) {
	s := state.NewStore()
	s.UpsertEntity(state.Entity{ID: "a1", Type: "agent", Properties: map[string]any{"name": "alice"}})
	s.UpsertEntity(state.Entity{ID: "a2", Type: "agent", Properties: map[string]any{"name": "bob"}})
	s.UpsertEntity(state.Entity{ID: "c1", Type: "construct", Properties: map[string]any{}})

	agents := s.EntityQuery(state.EntityFilter{Type: "agent"})
	assert.Len(t, agents, 2)

	alice := s.EntityQuery(state.EntityFilter{Type: "agent", Prop: "name", Value: "alice"})
	require.Len(t, alice, 1)
	assert.Equal(t, "a1", alice[0].ID)
}

func TestStore_GraphTraverse_RespectsDirectionAndDepth(t *testing.T) {
	s := state.NewStore()
	s.UpsertEntity(state.Entity{ID: "root", Type: "agent"})
	s.UpsertEntity(state.Entity{ID: "child", Type: "agent"})
	s.UpsertEntity(state.Entity{ID: "grandchild", Type: "agent"})
	require.NoError(t, s.AddRelationship(state.Relationship{From: "root", To: "child", Type: "spawned"}))
	require.NoError(t, s.AddRelationship(state.Relationship{From: "child", To: "grandchild", Type: "spawned"}))

	depth1, err := s.GraphTraverse("root", state.DirectionOut, 1, "spawned")
	require.NoError(t, err)
	ids := entityIDs(depth1)
	assert.ElementsMatch(t, []string{"root", "child"}, ids)

	depth2, err := s.GraphTraverse("root", state.DirectionOut, 2, "spawned")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "child", "grandchild"}, entityIDs(depth2))

	incoming, err := s.GraphTraverse("grandchild", state.DirectionIn, 2, "spawned")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"grandchild", "child", "root"}, entityIDs(incoming))
}

func TestStore_AddRelationship_UnknownEntityIsNotFound(t *testing.T) {
	s := state.NewStore()
	s.UpsertEntity(state.Entity{ID: "a", Type: "agent"})
	err := s.AddRelationship(state.Relationship{From: "a", To: "missing", Type: "spawned"})
	require.Error(t, err)
}

func entityIDs(entities []state.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}
