package agentsvc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/agentsvc"
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/registry"
)

func TestModule_SpawnListTerminateThroughBus(t *testing.T) {
	b := bus.New()
	reg := registry.New(b, nil)
	svc := agentsvc.New("", nil)
	require.NoError(t, reg.RegisterModule("agent", false, agentsvc.Module(svc)))

	spawned, err := b.Emit(context.Background(), "agent:spawn", map[string]any{"profile": "default"}, bus.EmitOptions{})
	require.NoError(t, err)
	agentID := spawned["agent_id"].(string)
	require.NotEmpty(t, agentID)

	listed, err := b.Emit(context.Background(), "agent:list", map[string]any{}, bus.EmitOptions{})
	require.NoError(t, err)
	agents := listed["agents"].([]map[string]any)
	require.Len(t, agents, 1)

	terminated, err := b.Emit(context.Background(), "agent:terminate", map[string]any{"agent_id": agentID}, bus.EmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "terminated", terminated["status"])

	again, err := b.Emit(context.Background(), "agent:terminate", map[string]any{"agent_id": agentID}, bus.EmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "terminated", again["status"], "terminate must be idempotent")
}
