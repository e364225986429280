// Package completion implements per-conversation LLM request serialization,
// session chaining, response logging, and embedded-JSON-event extraction.
//
// Queue lifecycle and rekeying follow an idempotent session/run bookkeeping
// style (one active run per session, immutable Record/Status shape once
// closed); the JSON-event extraction and malformed-pattern feedback loop
// scans a completion's text for embedded event objects and queues a
// correction when one fails to parse.
package completion

import "context"

// ProviderRequest is what the daemon sends to the pluggable LLM provider.
// The provider is an external collaborator, not implemented here.
type ProviderRequest struct {
	Prompt       string
	Model        string
	SessionID    string
	AllowedTools []string
}

// ProviderResponse is the provider's reply. SessionID supersedes the
// request's and must be used for the conversation's next turn.
type ProviderResponse struct {
	Result    string
	SessionID string
	Usage     map[string]any
	Model     string
}

// Provider is the pluggable LLM backend contract. Non-zero exit or a
// missing executable is the concrete implementation's concern; it
// surfaces here as a plain error.
type Provider interface {
	Complete(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}
