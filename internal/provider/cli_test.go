package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/provider"
)

func TestCLI_CompleteParsesWireResponse(t *testing.T) {
	// sh -c is available on every POSIX system the test suite runs on; the
	// extra "--model"/"--resume" flags Complete appends land as positional
	// parameters to the script, not arguments to printf, so they can't leak
	// into the captured stdout.
	p := provider.New([]string{"sh", "-c", `printf '%s' '{"response":{"result":"42","session_id":"s2","model":"test"}}'`}, "test")

	resp, err := p.Complete(context.Background(), completion.ProviderRequest{Prompt: "remember 42", Model: "test"})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Result)
	assert.Equal(t, "s2", resp.SessionID)
}

func TestCLI_CompleteMissingExecutable(t *testing.T) {
	p := provider.New([]string{"ksid-nonexistent-provider-binary"}, "test")
	_, err := p.Complete(context.Background(), completion.ProviderRequest{Prompt: "hi"})
	require.Error(t, err)
}

func TestCLI_CompleteNoCommandConfigured(t *testing.T) {
	p := provider.New(nil, "test")
	_, err := p.Complete(context.Background(), completion.ProviderRequest{Prompt: "hi"})
	require.Error(t, err)
}
