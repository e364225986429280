// Package ksierr defines the stable error taxonomy that surfaces in the
// wire protocol's {error:{code,message}} envelope (spec §7).
package ksierr

import "fmt"

// Code identifies the class of failure reported to a client.
type Code string

const (
	// InvalidJSON indicates the transport could not parse a request line.
	InvalidJSON Code = "INVALID_JSON"
	// InvalidEvent indicates a request was missing the required event name
	// or a field its handler requires.
	InvalidEvent Code = "INVALID_EVENT"
	// Validation indicates a registered schema rejected the event payload.
	Validation Code = "VALIDATION"
	// NotFound indicates an unknown composition/session/subscription.
	NotFound Code = "NOT_FOUND"
	// HandlerError indicates a handler raised an error and no peer handled
	// the event.
	HandlerError Code = "HANDLER_ERROR"
	// Timeout indicates a correlation future expired.
	Timeout Code = "TIMEOUT"
	// ProviderError indicates the LLM provider failed.
	ProviderError Code = "PROVIDER_ERROR"
	// Cancelled indicates an explicit cancellation.
	Cancelled Code = "CANCELLED"
	// Disabled indicates a feature exists but was not enabled at startup.
	Disabled Code = "DISABLED"
)

// Error is the typed error carried across the bus/transport boundary. It
// marshals to the wire shape {code, message}.
type Error struct {
	Code    Code
	Message string
	// Err wraps the underlying cause, if any. Not exposed on the wire.
	Err error
	// Extra carries additional wire fields (e.g. "handler" for HANDLER_ERROR).
	Extra map[string]any
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that records the underlying cause for logging
// while keeping the wire message stable.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Envelope returns the wire representation of the error.
func (e *Error) Envelope() map[string]any {
	m := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	for k, v := range e.Extra {
		m[k] = v
	}
	return m
}

// WithExtra returns a copy of e with an additional wire field set.
func (e *Error) WithExtra(key string, value any) *Error {
	n := *e
	n.Extra = make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		n.Extra[k] = v
	}
	n.Extra[key] = value
	return &n
}
