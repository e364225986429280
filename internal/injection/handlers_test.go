package injection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/registry"
)

func TestModule_InjectListClearThroughBus(t *testing.T) {
	b := bus.New()
	reg := registry.New(b, nil)
	async := openTestAsync(t)
	router := injection.New(async, nil)
	require.NoError(t, reg.RegisterModule("injection", false, injection.Module(router)))

	_, err := b.Emit(context.Background(), "injection:inject", map[string]any{
		"session_id": "s1", "content": "hello",
	}, bus.EmitOptions{})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "injection:list", map[string]any{"session_id": "s1"}, bus.EmitOptions{})
	require.NoError(t, err)
	injs := res["injections"].([]map[string]any)
	require.Len(t, injs, 1)
	assert.Equal(t, "hello", injs[0]["content"])

	res, err = b.Emit(context.Background(), "injection:clear", map[string]any{"session_id": "s1"}, bus.EmitOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["cleared"])
}
