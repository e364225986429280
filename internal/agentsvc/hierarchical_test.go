package agentsvc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/agentsvc"
	"github.com/ksi-project/ksid/internal/bus"
)

// TestHierarchicalRouting_GatesByAncestorSubscriptionLevel exercises P7: an
// event emitted by agent a, with ancestor chain a <- p <- gp, is observed
// by p iff p.subscription_level >= 1 and by gp iff gp.subscription_level
// >= 2.
func TestHierarchicalRouting_GatesByAncestorSubscriptionLevel(t *testing.T) {
	tests := []struct {
		name                    string
		parentLevel             int
		grandparentLevel        int
		wantParentObserves      bool
		wantGrandparentObserves bool
	}{
		{"level zero observes nothing", 0, 0, false, false},
		{"level one covers only the direct parent", 1, 1, true, false},
		{"level two covers parent and grandparent", 2, 2, true, true},
		{"level negative one covers every descendant depth", -1, -1, true, true},
		{"parent level one, grandparent level zero", 1, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.New()
			svc := agentsvc.New("", nil, agentsvc.WithBus(b))
			b.SetAncestryResolver(svc)

			gp, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{
				Profile: "default", SubscriptionLevel: tt.grandparentLevel,
			})
			require.NoError(t, err)
			p, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{
				Profile: "default", ParentID: gp.AgentID, SubscriptionLevel: tt.parentLevel,
			})
			require.NoError(t, err)
			a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{
				Profile: "default", ParentID: p.AgentID,
			})
			require.NoError(t, err)

			_, err = b.Emit(context.Background(), "task:update", map[string]any{"value": 1}, bus.EmitOptions{AgentID: a.AgentID})
			require.NoError(t, err)

			pInfo, err := svc.Info(p.AgentID)
			require.NoError(t, err)
			if tt.wantParentObserves {
				require.Len(t, pInfo.Observations, 1)
				assert.Equal(t, "task:update", pInfo.Observations[0].Event)
				assert.Equal(t, a.AgentID, pInfo.Observations[0].AgentID)
			} else {
				assert.Empty(t, pInfo.Observations)
			}

			gpInfo, err := svc.Info(gp.AgentID)
			require.NoError(t, err)
			if tt.wantGrandparentObserves {
				require.Len(t, gpInfo.Observations, 1)
				assert.Equal(t, "task:update", gpInfo.Observations[0].Event)
			} else {
				assert.Empty(t, gpInfo.Observations)
			}
		})
	}
}

// TestHierarchicalRouting_NeverContributesToPrimaryDispatch confirms the
// spec §9 resolution that observation never competes with the primary
// first-non-nil-wins result: a handler registered for the event still
// decides the emit's return value even though an ancestor observes it too.
func TestHierarchicalRouting_NeverContributesToPrimaryDispatch(t *testing.T) {
	b := bus.New()
	svc := agentsvc.New("", nil, agentsvc.WithBus(b))
	b.SetAncestryResolver(svc)

	p, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", SubscriptionLevel: 1})
	require.NoError(t, err)
	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", ParentID: p.AgentID})
	require.NoError(t, err)

	_, err = b.RegisterHandler(bus.HandlerEntry{
		EventName: "task:update",
		Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
			return map[string]any{"handled": true}, nil
		},
	})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "task:update", map[string]any{"value": 1}, bus.EmitOptions{AgentID: a.AgentID})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"handled": true}, res)

	pInfo, err := svc.Info(p.AgentID)
	require.NoError(t, err)
	require.Len(t, pInfo.Observations, 1)
}

// TestHierarchicalRouting_TerminatedAgentStopsObserving checks that
// terminating an agent tears down its listener so later events aren't
// delivered to a dead agent's observation log.
func TestHierarchicalRouting_TerminatedAgentStopsObserving(t *testing.T) {
	b := bus.New()
	svc := agentsvc.New("", nil, agentsvc.WithBus(b))
	b.SetAncestryResolver(svc)

	p, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", SubscriptionLevel: 1})
	require.NoError(t, err)
	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", ParentID: p.AgentID})
	require.NoError(t, err)

	require.NoError(t, svc.Terminate(context.Background(), p.AgentID))

	_, err = b.Emit(context.Background(), "task:update", map[string]any{"value": 1}, bus.EmitOptions{AgentID: a.AgentID})
	require.NoError(t, err)

	pInfo, err := svc.Info(p.AgentID)
	require.NoError(t, err)
	assert.Empty(t, pInfo.Observations, "a terminated ancestor's listener must be torn down")
}
