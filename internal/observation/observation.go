// Package observation implements hierarchical, filterable event observation:
// subscriptions that watch the bus for events matching a target and pattern
// set, deliver observe:begin/observe:end pairs, and persist a queryable
// history for replay and pattern analysis.
//
// The subscriber registration shape (observer, target, event patterns,
// filter) follows the teacher's stream.Subscriber/hooks bridge — one
// long-lived listener translating bus traffic into a narrower, filtered
// feed for an external consumer — generalized from a fixed hook-event
// whitelist to the full event namespace with runtime-configurable filters.
package observation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/state"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// ContentMatch restricts delivery to events whose data field matches a
// value under the given operator ("equals", "contains", "prefix").
type ContentMatch struct {
	Field    string
	Value    string
	Operator string
}

// RateLimit caps delivery to MaxEvents per WindowSeconds, implemented as a
// token-bucket limiter refilling at MaxEvents/WindowSeconds per second.
type RateLimit struct {
	MaxEvents     int
	WindowSeconds int
}

// Filter narrows which matched events are actually delivered.
type Filter struct {
	Include      []string
	Exclude      []string
	ContentMatch *ContentMatch
	RateLimit    *RateLimit
	SamplingRate float64 // 0 or 1 disables sampling (always deliver)
}

// Subscription is one observation:subscribe registration.
type Subscription struct {
	ID       string
	Observer string
	Target   string // agent id, or "*" for every agent
	Events   []string
	Filter   Filter

	eventMatchers   []matcher
	includeMatchers []matcher
	excludeMatchers []matcher
	limiter         *rate.Limiter
}

type matcher struct {
	exact  string
	isGlob bool
	g      glob.Glob
}

func compilePatterns(patterns []string) []matcher {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		if strings.Contains(p, "*") {
			g, err := glob.Compile(p, ':')
			if err != nil {
				continue
			}
			out = append(out, matcher{isGlob: true, g: g})
			continue
		}
		out = append(out, matcher{exact: p})
	}
	return out
}

func anyMatch(matchers []matcher, name string) bool {
	for _, m := range matchers {
		if m.isGlob {
			if m.g.Match(name) {
				return true
			}
			continue
		}
		if m.exact == name {
			return true
		}
	}
	return false
}

// Record is one persisted observation, stored in async_state for
// query_history/replay/analyze_patterns.
type Record struct {
	ID             string
	SubscriptionID string
	Observer       string
	Target         string
	Event          string
	Data           map[string]any
	ObservedAt     time.Time
}

const namespace = "observation"

// Router watches every bus event and fans qualifying ones out to
// registered observation subscriptions as observe:begin/observe:end pairs,
// persisting a record of each for later query.
type Router struct {
	b     *bus.Bus
	async *state.AsyncStateStore
	log   telemetry.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription

	unsubscribe func()
}

// New constructs a Router and subscribes it to every bus event.
func New(b *bus.Bus, async *state.AsyncStateStore, log telemetry.Logger) *Router {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	r := &Router{b: b, async: async, log: log, subs: make(map[string]*Subscription)}
	id, err := b.Subscribe("observation-router", []string{"**"}, "", r.onEvent)
	if err == nil {
		r.unsubscribe = func() { b.Unsubscribe(id) }
	}
	return r
}

// Close tears down the router's bus subscription.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Subscribe registers a new observation subscription.
func (r *Router) Subscribe(observer, target string, events []string, filter Filter) (string, error) {
	if observer == "" {
		return "", ksierr.New(ksierr.InvalidEvent, "observer is required")
	}
	sub := &Subscription{
		ID: uuid.NewString(), Observer: observer, Target: target, Events: events, Filter: filter,
		eventMatchers:   compilePatterns(events),
		includeMatchers: compilePatterns(filter.Include),
		excludeMatchers: compilePatterns(filter.Exclude),
	}
	if filter.RateLimit != nil && filter.RateLimit.MaxEvents > 0 && filter.RateLimit.WindowSeconds > 0 {
		every := time.Duration(filter.RateLimit.WindowSeconds) * time.Second / time.Duration(filter.RateLimit.MaxEvents)
		sub.limiter = rate.NewLimiter(rate.Every(every), filter.RateLimit.MaxEvents)
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// onEvent is the bus.SubscriberFunc invoked for every emitted event. Events
// the router itself emitted (observe:begin/observe:end) are skipped so a
// subscription broad enough to match them can't feed back into itself.
func (r *Router) onEvent(rec bus.Record) {
	if rec.Source == "observation" {
		return
	}
	r.mu.RLock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.matchesEvent(rec) {
			continue
		}
		if sub.limiter != nil && !sub.limiter.Allow() {
			continue
		}
		if sub.Filter.SamplingRate > 0 && sub.Filter.SamplingRate < 1 && !sampled(sub.Filter.SamplingRate) {
			continue
		}
		r.deliver(sub, rec)
	}
}

func (s *Subscription) matchesEvent(rec bus.Record) bool {
	if len(s.eventMatchers) > 0 && !anyMatch(s.eventMatchers, rec.Name) {
		return false
	}
	if s.Target != "" && s.Target != "*" {
		agentID, _ := rec.Data["_agent_id"].(string)
		if agentID != s.Target && rec.Source != s.Target {
			return false
		}
	}
	if len(s.includeMatchers) > 0 && !anyMatch(s.includeMatchers, rec.Name) {
		return false
	}
	if len(s.excludeMatchers) > 0 && anyMatch(s.excludeMatchers, rec.Name) {
		return false
	}
	if cm := s.Filter.ContentMatch; cm != nil {
		val, _ := rec.Data[cm.Field].(string)
		if !contentMatches(val, cm.Value, cm.Operator) {
			return false
		}
	}
	return true
}

func contentMatches(value, want, operator string) bool {
	switch operator {
	case "contains":
		return strings.Contains(value, want)
	case "prefix":
		return strings.HasPrefix(value, want)
	default: // "equals" and unrecognized operators fall back to equality
		return value == want
	}
}

var sampleFn = defaultSample

func sampled(rate float64) bool { return sampleFn(rate) }

func (r *Router) deliver(sub *Subscription, rec bus.Record) {
	ctx := context.Background()
	base := map[string]any{
		"subscription_id": sub.ID,
		"observer":         sub.Observer,
		"target":           sub.Target,
		"event":            rec.Name,
		"event_data":       rec.Data,
		"correlation_id":   rec.CorrelationID,
	}
	_, _ = r.b.Emit(ctx, "observe:begin", base, bus.EmitOptions{Source: "observation"})
	_, _ = r.b.Emit(ctx, "observe:end", base, bus.EmitOptions{Source: "observation"})

	if r.async == nil {
		return
	}
	entry := map[string]any{
		"id":              uuid.NewString(),
		"subscription_id": sub.ID,
		"observer":        sub.Observer,
		"target":          sub.Target,
		"event":           rec.Name,
		"data":            rec.Data,
		"observed_at":     time.Now().UTC(),
	}
	if err := r.async.Push(ctx, namespace, sub.Observer, entry, 0); err != nil {
		r.log.Warn(ctx, "failed to persist observation record", "observer", sub.Observer, "error", err)
	}
}

// History returns every persisted observation record for observer, oldest
// first.
func (r *Router) History(ctx context.Context, observer string) ([]Record, error) {
	items, err := r.async.GetQueue(ctx, namespace, observer)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		out = append(out, recordFromWire(item.Value))
	}
	return out, nil
}

func recordFromWire(v map[string]any) Record {
	rec := Record{
		ID:             stringField(v, "id"),
		SubscriptionID: stringField(v, "subscription_id"),
		Observer:       stringField(v, "observer"),
		Target:         stringField(v, "target"),
		Event:          stringField(v, "event"),
	}
	if data, ok := v["data"].(map[string]any); ok {
		rec.Data = data
	}
	if ts := stringField(v, "observed_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.ObservedAt = parsed
		}
	}
	return rec
}

func stringField(data map[string]any, field string) string {
	s, _ := data[field].(string)
	return s
}
