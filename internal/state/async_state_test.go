package state_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/state"
)

func openTestStore(t *testing.T) *state.AsyncStateStore {
	t.Helper()
	dir := t.TempDir()
	store, err := state.OpenAsyncStateStore(filepath.Join(dir, "async_state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAsyncStateStore_PushPopIsFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, "injection", "session-1", map[string]any{"order": "first"}, 0))
	require.NoError(t, store.Push(ctx, "injection", "session-1", map[string]any{"order": "second"}, 0))

	item, err := store.Pop(ctx, "injection", "session-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "first", item.Value["order"])

	item, err = store.Pop(ctx, "injection", "session-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "second", item.Value["order"])

	item, err = store.Pop(ctx, "injection", "session-1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestAsyncStateStore_Pop_SkipsExpiredEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, "injection", "session-1", map[string]any{"order": "expired"}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Push(ctx, "injection", "session-1", map[string]any{"order": "fresh"}, 0))

	item, err := store.Pop(ctx, "injection", "session-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "fresh", item.Value["order"])
}

func TestAsyncStateStore_GetQueue_ReturnsItemsWithoutRemoving(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, "obs", "key", map[string]any{"n": 1}, 0))
	require.NoError(t, store.Push(ctx, "obs", "key", map[string]any{"n": 2}, 0))

	items, err := store.GetQueue(ctx, "obs", "key")
	require.NoError(t, err)
	require.Len(t, items, 2)

	n, err := store.PruneExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestAsyncStateStore_Clear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, "ns", "k", map[string]any{}, 0))
	require.NoError(t, store.Push(ctx, "ns", "k", map[string]any{}, 0))

	n, err := store.Clear(ctx, "ns", "k")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	items, err := store.GetQueue(ctx, "ns", "k")
	require.NoError(t, err)
	assert.Empty(t, items)
}
