// Package injection implements the next-turn prompt injection queue
// described in spec §4.4: per-session content persisted in the async-state
// store and consumed (respecting TTL, priority, and rate limits) on each
// completion:async for that session.
//
// The lifetime policy — priority tiers, per-run caps, turn-spacing rate
// limits — is adapted almost directly from the teacher's reminder.Engine,
// renamed to injection vocabulary. The teacher's engine is memory-only;
// KSI injections must additionally survive a daemon restart (spec §8
// scenario 6), so delivery state is persisted via internal/state's
// AsyncStateStore rather than held purely in a run-scoped map. Per-item
// rate-limit counters (emitted count, last-delivered turn) remain
// in-memory and reset on restart — an accepted simplification, since the
// content itself (the part that must survive a restart) is what's
// persisted.
package injection

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/state"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// Priority controls ordering and suppression, lower values taking
// precedence, mirroring the teacher's Tier.
type Priority int

const (
	// PrioritySafety never gets dropped by a MaxUses cap; only turn-spacing
	// rate limiting still applies.
	PrioritySafety Priority = iota
	// PriorityNormal is subject to both MaxUses and turn-spacing limits.
	PriorityNormal
	// PriorityGuidance is the lowest priority: ordered last within a turn's
	// deliveries and subject to the same limits as PriorityNormal.
	PriorityGuidance
)

// Injection is one piece of content queued for delivery on a session's next
// completion.
type Injection struct {
	ID      string
	Content string

	Priority Priority

	// Recurring injections are re-queued after delivery, subject to
	// MaxUses/MinTurnsBetween; one-shot injections (the default, and the
	// common case per spec §4.4) are removed from the queue once delivered.
	Recurring bool

	// MaxUses caps how many times a recurring injection may be delivered.
	// Zero means unlimited. Ignored for PrioritySafety.
	MaxUses int

	// MinTurnsBetween enforces a minimum number of completion turns between
	// deliveries of a recurring injection. Zero means no rate limit.
	MinTurnsBetween int
}

type limitState struct {
	delivered int
	lastTurn  int
}

// Router is the injection queue + delivery-policy engine for one daemon.
type Router struct {
	async *state.AsyncStateStore
	log   telemetry.Logger

	mu     sync.Mutex
	limits map[string]map[string]*limitState // session_id -> injection_id -> state
	turns  map[string]int                    // session_id -> turn counter
}

// New constructs a Router backed by async.
func New(async *state.AsyncStateStore, log telemetry.Logger) *Router {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Router{
		async:  async,
		log:    log,
		limits: make(map[string]map[string]*limitState),
		turns:  make(map[string]int),
	}
}

const namespace = "injection"

// Inject queues content for delivery on sessionID's next completion
// (spec §4.4 "injection:inject"). ttlSeconds of zero means the injection
// never expires on its own (it is still removed once delivered, unless
// Recurring).
func (r *Router) Inject(ctx context.Context, sessionID string, inj Injection, ttlSeconds int) (string, error) {
	if sessionID == "" || inj.Content == "" {
		return "", ksierr.New(ksierr.InvalidEvent, "session_id and content are required")
	}
	if inj.ID == "" {
		inj.ID = uuid.NewString()
	}
	if err := r.async.Push(ctx, namespace, sessionID, injectionToMap(inj), secondsToDuration(ttlSeconds)); err != nil {
		return "", err
	}
	return inj.ID, nil
}

// List returns every pending injection for sessionID without consuming
// them (spec §4.4 "injection:list").
func (r *Router) List(ctx context.Context, sessionID string) ([]Injection, error) {
	items, err := r.async.GetQueue(ctx, namespace, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Injection, 0, len(items))
	for _, item := range items {
		out = append(out, injectionFromMap(item.Value))
	}
	return out, nil
}

// Clear removes every pending injection for sessionID
// (spec §4.4 "injection:clear").
func (r *Router) Clear(ctx context.Context, sessionID string) (int64, error) {
	r.mu.Lock()
	delete(r.limits, sessionID)
	delete(r.turns, sessionID)
	r.mu.Unlock()
	return r.async.Clear(ctx, namespace, sessionID)
}

// Consume pops the injections that should be delivered on sessionID's next
// completion turn — skipping rate-limited recurring injections, which stay
// queued — and returns them ordered by priority then id, mirroring the
// teacher's Snapshot ordering (spec §4.4 "On each completion:async ...
// prepended to the outgoing prompt").
func (r *Router) Consume(ctx context.Context, sessionID string) ([]Injection, error) {
	items, err := r.async.GetQueue(ctx, namespace, sessionID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	r.turns[sessionID]++
	turn := r.turns[sessionID]
	sessionLimits, ok := r.limits[sessionID]
	if !ok {
		sessionLimits = make(map[string]*limitState)
		r.limits[sessionID] = sessionLimits
	}

	var out []Injection
	for _, item := range items {
		inj := injectionFromMap(item.Value)
		st, ok := sessionLimits[inj.ID]
		if !ok {
			st = &limitState{}
			sessionLimits[inj.ID] = st
		}
		if !shouldDeliver(inj, st, turn) {
			continue
		}
		st.delivered++
		st.lastTurn = turn
		out = append(out, inj)

		if !inj.Recurring {
			if err := r.async.DeleteItem(ctx, item.ID); err != nil {
				r.log.Warn(ctx, "failed to remove delivered injection", "session_id", sessionID, "error", err)
			}
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Status reports pending count and per-injection delivery counters for
// sessionID (spec §4.4 "injection:status").
func (r *Router) Status(ctx context.Context, sessionID string) (map[string]any, error) {
	items, err := r.async.GetQueue(ctx, namespace, sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	sessionLimits := r.limits[sessionID]
	turn := r.turns[sessionID]
	r.mu.Unlock()

	deliveries := make(map[string]any, len(sessionLimits))
	for id, st := range sessionLimits {
		deliveries[id] = map[string]any{"delivered": st.delivered, "last_turn": st.lastTurn}
	}
	return map[string]any{
		"pending_count": len(items),
		"turn":          turn,
		"deliveries":    deliveries,
	}, nil
}

// ProcessResult records that a completion turn finished, letting the
// caller report delivered injection ids it ultimately did not use (e.g.
// the provider call failed before the prompt was sent) so their rate-limit
// counters can be rolled back (spec §4.4 "injection:process_result").
func (r *Router) ProcessResult(sessionID string, deliveredIDs []string, used bool) {
	if used || len(deliveredIDs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionLimits := r.limits[sessionID]
	if sessionLimits == nil {
		return
	}
	for _, id := range deliveredIDs {
		if st, ok := sessionLimits[id]; ok && st.delivered > 0 {
			st.delivered--
		}
	}
}

// shouldDeliver mirrors the teacher's shouldEmit: safety-tier injections
// ignore MaxUses but still respect MinTurnsBetween.
func shouldDeliver(inj Injection, st *limitState, turn int) bool {
	if inj.Recurring && inj.MaxUses > 0 && st.delivered >= inj.MaxUses && inj.Priority != PrioritySafety {
		return false
	}
	if inj.Recurring && inj.MinTurnsBetween > 0 && st.lastTurn > 0 {
		if delta := turn - st.lastTurn; delta >= 0 && delta < inj.MinTurnsBetween {
			return false
		}
	}
	return true
}
