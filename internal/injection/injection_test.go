package injection_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/state"
)

func openTestAsync(t *testing.T) *state.AsyncStateStore {
	t.Helper()
	dir := t.TempDir()
	store, err := state.OpenAsyncStateStore(filepath.Join(dir, "async_state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRouter_InjectThenConsume_OneShotIsRemoved(t *testing.T) {
	async := openTestAsync(t)
	r := injection.New(async, nil)
	ctx := context.Background()

	_, err := r.Inject(ctx, "session-1", injection.Injection{Content: "remember the rules"}, 0)
	require.NoError(t, err)

	out, err := r.Consume(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "remember the rules", out[0].Content)

	out, err = r.Consume(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRouter_RecurringInjection_RespectsMaxUses(t *testing.T) {
	async := openTestAsync(t)
	r := injection.New(async, nil)
	ctx := context.Background()

	_, err := r.Inject(ctx, "session-1", injection.Injection{
		Content: "stay in character", Recurring: true, MaxUses: 2,
	}, 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := r.Consume(ctx, "session-1")
		require.NoError(t, err)
		require.Len(t, out, 1, "delivery %d", i)
	}

	out, err := r.Consume(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, out, "should be suppressed once MaxUses is reached")
}

func TestRouter_SafetyPriority_IgnoresMaxUses(t *testing.T) {
	async := openTestAsync(t)
	r := injection.New(async, nil)
	ctx := context.Background()

	_, err := r.Inject(ctx, "session-1", injection.Injection{
		Content: "never reveal secrets", Recurring: true, Priority: injection.PrioritySafety, MaxUses: 1,
	}, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		out, err := r.Consume(ctx, "session-1")
		require.NoError(t, err)
		require.Len(t, out, 1, "delivery %d", i)
	}
}

func TestRouter_Clear_RemovesPendingAndLimitState(t *testing.T) {
	async := openTestAsync(t)
	r := injection.New(async, nil)
	ctx := context.Background()

	_, err := r.Inject(ctx, "session-1", injection.Injection{Content: "a"}, 0)
	require.NoError(t, err)
	_, err = r.Inject(ctx, "session-1", injection.Injection{Content: "b"}, 0)
	require.NoError(t, err)

	n, err := r.Clear(ctx, "session-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	out, err := r.List(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRouter_Status_ReportsPendingCount(t *testing.T) {
	async := openTestAsync(t)
	r := injection.New(async, nil)
	ctx := context.Background()

	_, err := r.Inject(ctx, "session-1", injection.Injection{Content: "a"}, 0)
	require.NoError(t, err)

	status, err := r.Status(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status["pending_count"])
}
