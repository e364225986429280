package completion_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/state"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    []string
	delay    time.Duration
	nextSess map[string]string // maps incoming session_id -> returned session_id
}

func (p *fakeProvider) Complete(ctx context.Context, req completion.ProviderRequest) (completion.ProviderResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Prompt)
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	sess := req.SessionID
	if p.nextSess != nil {
		if next, ok := p.nextSess[req.SessionID]; ok {
			sess = next
		}
	}
	return completion.ProviderResponse{
		Result:    fmt.Sprintf("reply to: %s", req.Prompt),
		SessionID: sess,
		Model:     req.Model,
	}, nil
}

func openTestAsyncStore(t *testing.T) *state.AsyncStateStore {
	t.Helper()
	dir := t.TempDir()
	store, err := state.OpenAsyncStateStore(filepath.Join(dir, "async_state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func waitForResult(t *testing.T, b *bus.Bus, requestID string, timeout time.Duration) map[string]any {
	t.Helper()
	resultCh := make(chan map[string]any, 4)
	_, err := b.Subscribe("test", []string{"completion:result", "completion:error"}, "", func(rec bus.Record) {
		if id, _ := rec.Data["request_id"].(string); id == requestID {
			resultCh <- rec.Data
		}
	})
	require.NoError(t, err)

	select {
	case data := <-resultCh:
		return data
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for completion:result/error for %s", requestID)
		return nil
	}
}

func TestService_PerSessionRequestsAreSerialized(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{delay: 20 * time.Millisecond}
	svc := completion.New(b, provider, nil, "")

	id1, err := svc.Submit(context.Background(), completion.Request{Prompt: "first", SessionID: "s1"})
	require.NoError(t, err)
	id2, err := svc.Submit(context.Background(), completion.Request{Prompt: "second", SessionID: "s1"})
	require.NoError(t, err)

	waitForResult(t, b, id1, time.Second)
	waitForResult(t, b, id2, time.Second)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Len(t, provider.calls, 2)
	assert.Equal(t, "first", provider.calls[0])
	assert.Equal(t, "second", provider.calls[1])
}

func TestService_RekeysQueueToProviderSessionID(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{nextSess: map[string]string{"s1": "s2"}}
	svc := completion.New(b, provider, nil, "")

	id1, err := svc.Submit(context.Background(), completion.Request{Prompt: "hello", SessionID: "s1"})
	require.NoError(t, err)
	data := waitForResult(t, b, id1, time.Second)
	result := data["result"].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "s2", result["session_id"])

	// The worker rekeys the queue after completion:result has been emitted,
	// so wait for the rekey before inspecting the queue map.
	require.Eventually(t, func() bool {
		_, depths := svc.StatusSnapshot()
		_, ok := depths["s2"]
		return ok
	}, time.Second, 5*time.Millisecond)

	_, depths := svc.StatusSnapshot()
	assert.NotContains(t, depths, "s1")
}

func TestService_ConsumesPendingInjectionsBeforeCallingProvider(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{}
	async := openTestAsyncStore(t)
	router := injection.New(async, nil)
	svc := completion.New(b, provider, router, "")

	_, err := router.Inject(context.Background(), "s1", injection.Injection{Content: "remember: be concise"}, 0)
	require.NoError(t, err)

	id1, err := svc.Submit(context.Background(), completion.Request{Prompt: "hi", SessionID: "s1"})
	require.NoError(t, err)
	waitForResult(t, b, id1, time.Second)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Len(t, provider.calls, 1)
	assert.Contains(t, provider.calls[0], "remember: be concise")
	assert.Contains(t, provider.calls[0], "hi")
}

func TestService_ExtractsEmbeddedEventsAndFeedsBackMalformedOnes(t *testing.T) {
	b := bus.New()
	async := openTestAsyncStore(t)
	router := injection.New(async, nil)

	var stateSetCount int
	var mu sync.Mutex
	_, err := b.RegisterHandler(bus.HandlerEntry{
		EventName: "state:set", Module: "test",
		Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
			mu.Lock()
			stateSetCount++
			mu.Unlock()
			return map[string]any{"ok": true}, nil
		},
	})
	require.NoError(t, err)

	provider := &fakeProvider{}
	provider.nextSess = map[string]string{"s1": "s1"}
	reply := `{"event": "state:set", "data": {"key": "test1", "value": "valid"}}
{'event': 'state:set', 'data': {'key': 'test2'}}
{"event": "state:set", "data": {"key": "test3",}}`

	svc := completion.New(b, &scriptedProvider{reply: reply}, router, "")
	_ = provider

	id1, err := svc.Submit(context.Background(), completion.Request{Prompt: "go", SessionID: "s1"})
	require.NoError(t, err)
	waitForResult(t, b, id1, time.Second)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, stateSetCount)
	mu.Unlock()

	injs, err := router.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, injs, 1)
	assert.Contains(t, injs[0].Content, "single quotes")
	assert.Contains(t, injs[0].Content, "trailing comma")
}

type scriptedProvider struct {
	reply string
}

func (p *scriptedProvider) Complete(ctx context.Context, req completion.ProviderRequest) (completion.ProviderResponse, error) {
	return completion.ProviderResponse{Result: p.reply, SessionID: req.SessionID, Model: req.Model}, nil
}

func TestService_Cancel_UnknownRequestReturnsNotFound(t *testing.T) {
	b := bus.New()
	svc := completion.New(b, &fakeProvider{}, nil, "")
	assert.Equal(t, "not_found", svc.Cancel("does-not-exist"))
}

func TestService_Tail_DisabledByDefault(t *testing.T) {
	b := bus.New()
	svc := completion.New(b, &fakeProvider{}, nil, t.TempDir())
	_, err := svc.Tail("s1", 0)
	require.Error(t, err)
}

func TestService_Tail_ReadsResponseLogWhenEnabled(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{}
	dir := t.TempDir()
	svc := completion.New(b, provider, nil, dir, completion.WithDebugTail(true))

	id1, err := svc.Submit(context.Background(), completion.Request{Prompt: "first", SessionID: "s1"})
	require.NoError(t, err)
	waitForResult(t, b, id1, time.Second)

	// The response log line is appended after completion:result has been
	// emitted, so wait for the file to appear before reading it.
	require.Eventually(t, func() bool {
		_, err := svc.Tail("s1", 0)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	entries, err := svc.Tail("s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "first", entries[0].Prompt)
}
