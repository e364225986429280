// Package agentsvc manages the daemon's agent population: spawn,
// termination (with cascade to constructs), hierarchical ancestry for
// observation routing, and message delivery.
//
// The registration bookkeeping follows the teacher's runtime.go guarded-map
// style (mu sync.RWMutex over a plain map, copy-on-write snapshots for
// iteration) generalized from tool/agent registrations to KSI agents;
// identity assignment follows the shape of the teacher's Ident type. Sandbox
// UUID stability across conversation turns — assigned once at spawn, never
// regenerated — fixes a continuity bug present in the system this was
// modeled on: a per-turn sandbox id would silently break provider-side
// session continuity.
package agentsvc

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// maxObservations bounds how many hierarchical-routing observations
// (spec §4.1) a single agent retains; oldest are dropped first, mirroring
// the bus's own bounded event history (I3).
const maxObservations = 200

// Status is an agent's lifecycle state.
type Status string

const (
	StatusReady      Status = "ready"
	StatusTerminated Status = "terminated"
)

// Agent is one spawned agent.
type Agent struct {
	AgentID           string
	Profile           string
	Status            Status
	SandboxUUID       string
	OriginatorID      string
	ParentID          string
	SubscriptionLevel int
	CreatedAt         time.Time
	Messages          []Message
	// Observations holds events delivered through hierarchical observation
	// routing (spec §4.1), gated by SubscriptionLevel and bounded by
	// maxObservations.
	Observations []ObservedEvent
	// ResolvedPrompt is the agent's initial prompt, rendered from its
	// profile's composition template at spawn time (spec §6.3). Empty when
	// no PromptResolver was configured or the profile has no template.
	ResolvedPrompt string
}

// Message is one entry in an agent's inbound message log, delivered by
// agent:send_message.
type Message struct {
	From      string
	Content   string
	Timestamp time.Time
}

// ObservedEvent is one event delivered to an agent through hierarchical
// observation routing (spec §4.1): an event emitted by a descendant whose
// depth below this agent is covered by this agent's own subscription_level.
type ObservedEvent struct {
	AgentID    string // the descendant that emitted the original event
	Event      string
	Data       map[string]any
	ObservedAt time.Time
}

// SpawnRequest describes a new agent.
type SpawnRequest struct {
	Profile           string
	OriginatorID      string
	ParentID          string
	SubscriptionLevel int
	// Variables are passed through to the profile's composition template
	// when a PromptResolver is configured (spec §6.3).
	Variables map[string]any
}

// PromptResolver renders a named composition profile's initial prompt.
// Implemented by internal/composition.Resolver via a thin adapter in
// cmd/ksid; agentsvc depends only on this narrow interface so it has no
// compile-time dependency on the composition package (leaves-first build
// order, spec §2).
type PromptResolver interface {
	Resolve(name string, variables map[string]any) (prompt string, err error)
}

// Service owns the live agent population.
type Service struct {
	mu           sync.RWMutex
	agents       map[string]*Agent
	children     map[string][]string // parent_id -> child agent_ids
	sandboxRoot  string
	log          telemetry.Logger
	prompts      PromptResolver
	bus          *bus.Bus
	unsubscribes map[string]func() // agent_id -> bus subscription teardown
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithPromptResolver wires a composition resolver so agent:spawn populates
// Agent.ResolvedPrompt from the profile's template.
func WithPromptResolver(r PromptResolver) Option {
	return func(s *Service) { s.prompts = r }
}

// WithBus wires the event bus so every spawned agent automatically
// installs an agent listener (spec §4.1 hierarchical observation routing):
// Service is installed as the bus's AncestryResolver (SetAncestryResolver),
// and this option lets Spawn register the per-agent listener dispatchAncestry
// delivers gated, qualifying observations through.
func WithBus(b *bus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// New constructs a Service. sandboxRoot may be empty to skip sandbox
// directory creation (tests).
func New(sandboxRoot string, log telemetry.Logger, opts ...Option) *Service {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	s := &Service{
		agents:       make(map[string]*Agent),
		children:     make(map[string][]string),
		sandboxRoot:  sandboxRoot,
		log:          log,
		unsubscribes: make(map[string]func()),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn creates a new agent with a freshly minted, permanently stable
// sandbox UUID and registers it under its parent (if any) for cascade
// termination and hierarchical observation routing.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*Agent, error) {
	if req.Profile == "" {
		return nil, ksierr.New(ksierr.InvalidEvent, "profile is required")
	}
	agent := &Agent{
		AgentID:           uuid.NewString(),
		Profile:           req.Profile,
		Status:            StatusReady,
		SandboxUUID:       uuid.NewString(),
		OriginatorID:      req.OriginatorID,
		ParentID:          req.ParentID,
		SubscriptionLevel: req.SubscriptionLevel,
		CreatedAt:         time.Now().UTC(),
	}

	if s.sandboxRoot != "" {
		dir := filepath.Join(s.sandboxRoot, agent.SandboxUUID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ksierr.Wrap(ksierr.HandlerError, "create sandbox directory", err)
		}
	}

	if s.prompts != nil {
		prompt, err := s.prompts.Resolve(req.Profile, req.Variables)
		if err != nil {
			s.log.Warn(ctx, "failed to resolve composition prompt", "profile", req.Profile, "error", err)
		} else {
			agent.ResolvedPrompt = prompt
		}
	}

	s.mu.Lock()
	s.agents[agent.AgentID] = agent
	if req.ParentID != "" {
		s.children[req.ParentID] = append(s.children[req.ParentID], agent.AgentID)
	}
	s.mu.Unlock()

	// Every agent installs an agent listener so dispatchAncestry has
	// somewhere to deliver gated hierarchical observations (spec §4.1).
	// Without a bus (e.g. unit tests constructing Service in isolation)
	// this is a no-op.
	if s.bus != nil {
		agentID := agent.AgentID
		unregister := s.bus.RegisterAgentListener(agentID, func(rec bus.Record) {
			s.recordObservation(agentID, rec)
		})
		s.mu.Lock()
		s.unsubscribes[agentID] = unregister
		s.mu.Unlock()
	}

	s.log.Info(ctx, "agent spawned", "agent_id", agent.AgentID, "profile", agent.Profile, "parent_id", agent.ParentID)
	return agent, nil
}

// recordObservation appends a hierarchical-routing observation (spec §4.1)
// to agentID's bounded log. Invoked only for ancestors whose
// subscription_level qualified them in bus.dispatchAncestry.
func (s *Service) recordObservation(agentID string, rec bus.Record) {
	observedAgentID, _ := rec.Data["observed_agent_id"].(string)
	eventName, _ := rec.Data["event"].(string)
	eventData, _ := rec.Data["data"].(map[string]any)

	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return
	}
	agent.Observations = append(agent.Observations, ObservedEvent{
		AgentID:    observedAgentID,
		Event:      eventName,
		Data:       eventData,
		ObservedAt: time.Now().UTC(),
	})
	if len(agent.Observations) > maxObservations {
		agent.Observations = agent.Observations[len(agent.Observations)-maxObservations:]
	}
}

// Terminate marks an agent terminated and cascades to every construct
// registered under it. Unknown or already-terminated agents return nil:
// terminate is idempotent (P8).
func (s *Service) Terminate(ctx context.Context, agentID string) error {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if !ok || agent.Status == StatusTerminated {
		s.mu.Unlock()
		return nil
	}
	agent.Status = StatusTerminated
	childIDs := append([]string(nil), s.children[agentID]...)
	delete(s.children, agentID)
	unsubscribe := s.unsubscribes[agentID]
	delete(s.unsubscribes, agentID)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	for _, childID := range childIDs {
		if err := s.Terminate(ctx, childID); err != nil {
			return err
		}
	}
	s.log.Info(ctx, "agent terminated", "agent_id", agentID, "constructs_terminated", len(childIDs))
	return nil
}

// SendMessage appends a message to agentID's inbound log.
func (s *Service) SendMessage(ctx context.Context, agentID, from, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return ksierr.New(ksierr.NotFound, "unknown agent: "+agentID)
	}
	agent.Messages = append(agent.Messages, Message{From: from, Content: content, Timestamp: time.Now().UTC()})
	return nil
}

// List returns every agent, sorted by agent id, optionally filtered by
// status ("" means all).
func (s *Service) List(status Status) []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Info returns one agent's full record.
func (s *Service) Info(agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ksierr.New(ksierr.NotFound, "unknown agent: "+agentID)
	}
	cp := *agent
	return &cp, nil
}

// UpdateComposition changes an agent's profile in place.
func (s *Service) UpdateComposition(agentID, profile string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ksierr.New(ksierr.NotFound, "unknown agent: "+agentID)
	}
	agent.Profile = profile
	cp := *agent
	return &cp, nil
}

// ListConstructs returns the direct children registered under agentID.
func (s *Service) ListConstructs(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]string(nil), s.children[agentID]...)
	sort.Strings(out)
	return out
}

// Ancestors implements bus.AncestryResolver: it walks the parent chain from
// agentID outward, nearest ancestor first (P7's `a ← p ← gp` ordering).
func (s *Service) Ancestors(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	current := agentID
	seen := map[string]bool{agentID: true}
	for {
		agent, ok := s.agents[current]
		if !ok || agent.ParentID == "" || seen[agent.ParentID] {
			return out
		}
		out = append(out, agent.ParentID)
		seen[agent.ParentID] = true
		current = agent.ParentID
	}
}

// SubscriptionLevel returns agentID's configured subscription level, used
// by the observation router to decide how far up the ancestry chain an
// event is visible (P7). Unknown agents report 0.
func (s *Service) SubscriptionLevel(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agent, ok := s.agents[agentID]; ok {
		return agent.SubscriptionLevel
	}
	return 0
}
