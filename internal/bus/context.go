package bus

import (
	"context"
	"time"
)

// Context is threaded through every handler and subscriber invocation. It
// carries the ambient context.Context plus the metadata handlers commonly
// need without reaching back into the event payload (source connection,
// correlation id, emit timestamp).
type Context struct {
	context.Context

	EventName     string
	Source        string
	CorrelationID string
	ParentID      string
	EmittedAt     time.Time

	// AgentID is set when the emitting connection is bound to an agent
	// (spec §4.1 hierarchical observation routing); empty for plain clients.
	AgentID string

	bus *Bus
}

// Bus returns the originating Bus, letting a handler emit follow-up events
// (e.g. completion:result) without a separate dependency injection path.
func (c *Context) Bus() *Bus { return c.bus }
