package completion

import "time"

// InjectionConfig requests that a completion's response queue a follow-up
// reminder into one or more sessions.
type InjectionConfig struct {
	Enabled        bool
	Content        string
	TargetSessions []string
	TTLSeconds     int
}

// Request is one queued completion.
type Request struct {
	RequestID       string
	Prompt          string
	Model           string
	SessionID       string
	AgentID         string
	ConstructID     string
	InjectionConfig *InjectionConfig
	CreatedAt       time.Time
}

// Status reports a request's place in a session's queue, used by
// completion:status.
type Status struct {
	RequestID string
	SessionID string
	Model     string
	StartedAt time.Time
}
