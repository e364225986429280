package state_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/state"
)

func TestModule_StateSetGetRoundTripsThroughBus(t *testing.T) {
	b := bus.New()
	r := registry.New(b, nil)
	kv := state.NewStore()
	async := openTestStore(t)
	require.NoError(t, r.RegisterModule("state", false, state.Module(kv, async)))

	_, err := b.Emit(context.Background(), "state:set", map[string]any{
		"namespace": "demo", "key": "k", "value": "v",
	}, bus.EmitOptions{})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "state:get", map[string]any{
		"namespace": "demo", "key": "k",
	}, bus.EmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v", res["value"])
}

func TestModule_AsyncStatePushPop(t *testing.T) {
	b := bus.New()
	r := registry.New(b, nil)
	kv := state.NewStore()
	async := openTestStore(t)
	require.NoError(t, r.RegisterModule("state", false, state.Module(kv, async)))

	_, err := b.Emit(context.Background(), "async_state:push", map[string]any{
		"namespace": "injection", "key": "session-1", "value": map[string]any{"text": "reminder"},
	}, bus.EmitOptions{})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "async_state:pop", map[string]any{
		"namespace": "injection", "key": "session-1",
	}, bus.EmitOptions{})
	require.NoError(t, err)
	item := res["item"].(map[string]any)
	assert.Equal(t, "reminder", item["text"])
}
