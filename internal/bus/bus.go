// Package bus implements the namespaced event router at the center of the
// daemon: emit/subscribe/register_schema/replay, correlation-id futures, and
// the bounded event history used for replay and introspection (spec §4.1).
//
// The dispatch model mirrors the teacher's hook bus (copy-on-write
// subscriber snapshots taken before fan-out, sync.Once idempotent
// unregistration) generalized from a single linear subscriber list to
// pattern-indexed routing across two independent paths: handlers
// (exact event name, priority ordered, first-non-nil-wins) and
// subscriptions (glob/namespace patterns, pure fan-out, no return value).
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// AncestryResolver answers "who are agent X's ancestors" and "how far up
// its ancestry should an event travel", used to deliver observations of an
// agent's events up its spawn chain (spec §4.1 hierarchical observation
// routing).
// internal/agentsvc implements and installs this via SetAncestryResolver
// once it exists; the bus has no compile-time dependency on agentsvc,
// keeping the leaves-first build order intact.
type AncestryResolver interface {
	// Ancestors returns agentID's ancestor chain, nearest first: index 0 is
	// the parent (depth 1), index 1 the grandparent (depth 2), and so on.
	Ancestors(agentID string) []string

	// SubscriptionLevel reports how far an ancestor has opted in to
	// observing its descendants' events: 0 = none, 1 = direct children
	// only, 2 = children and grandchildren, -1 = all descendants at any
	// depth (spec §4.1).
	SubscriptionLevel(agentID string) int
}

// EmitOptions customizes a single Emit call.
type EmitOptions struct {
	Source          string
	CorrelationID  string
	ParentID       string
	AgentID        string
	ExpectResponse bool
	Timeout        time.Duration
}

// Bus is the daemon's event router. The zero value is not usable; construct
// with New.
type Bus struct {
	mu  sync.RWMutex
	log telemetry.Logger
	met telemetry.Metrics

	handlers map[string][]handlerSlot // event name -> priority-ordered handlers
	subs     map[string]*Subscription // subscription id -> subscription
	schemas  map[string]*jsonschema.Schema

	// agentListeners delivers hierarchical observation routing (spec §4.1)
	// to an ancestor agent, keyed by agent id. Deliberately separate from
	// subs: subs feed dispatchObservers' unconditional pattern fan-out,
	// while agentListeners is only ever invoked by dispatchAncestry after
	// the subscription_level/depth gate passes (P7) — folding the two
	// together would let any agent with a "*" listener observe every event
	// unconditionally, bypassing the gate entirely.
	agentListeners map[string]SubscriberFunc

	hist *history

	futuresMu sync.Mutex
	futures   map[string]*future

	ancestry AncestryResolver

	seq uint64

	defaultTimeout time.Duration
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger installs a structured logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(b *Bus) { b.log = l } }

// WithMetrics installs a metrics recorder; defaults to telemetry.NoopMetrics.
func WithMetrics(m telemetry.Metrics) Option { return func(b *Bus) { b.met = m } }

// WithMaxHistory sets the ring buffer capacity (spec default 1000).
func WithMaxHistory(n int) Option { return func(b *Bus) { b.hist = newHistory(n) } }

// WithDefaultTimeout sets the correlation-future timeout used when a caller
// doesn't supply one (spec default 30s).
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bus) { b.defaultTimeout = d }
}

// New constructs a Bus ready to accept registrations and emits.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:            telemetry.NoopLogger{},
		met:            telemetry.NoopMetrics{},
		handlers:       make(map[string][]handlerSlot),
		subs:           make(map[string]*Subscription),
		schemas:        make(map[string]*jsonschema.Schema),
		agentListeners: make(map[string]SubscriberFunc),
		hist:           newHistory(1000),
		futures:        make(map[string]*future),
		defaultTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetAncestryResolver wires the agent service into hierarchical observation
// routing. Safe to call once at startup before traffic begins.
func (b *Bus) SetAncestryResolver(r AncestryResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ancestry = r
}

// RegisterSchema associates a JSON schema with an event name; subsequent
// emits of that name are validated before dispatch (spec §4.1
// "register_schema").
func (b *Bus) RegisterSchema(name string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return ksierr.Wrap(ksierr.InvalidJSON, "invalid schema document", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return ksierr.Wrap(ksierr.InvalidJSON, "invalid schema document", err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return ksierr.Wrap(ksierr.Validation, "schema failed to compile", err)
	}
	b.mu.Lock()
	b.schemas[name] = sch
	b.mu.Unlock()
	return nil
}

// RegisterHandler adds a handler for entry.EventName, ordered by Priority
// (lower runs first) and then by registration order. It returns an
// unregister func that is safe to call multiple times (sync.Once
// idempotency, mirroring the teacher's subscription Close).
func (b *Bus) RegisterHandler(entry HandlerEntry) (unregister func(), err error) {
	if entry.EventName == "" {
		return nil, ksierr.New(ksierr.InvalidEvent, "handler must name an event")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	b.mu.Lock()
	b.seq++
	slot := handlerSlot{entry: entry, seq: b.seq}
	slots := append(b.handlers[entry.EventName], slot)
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].entry.Priority != slots[j].entry.Priority {
			return slots[i].entry.Priority < slots[j].entry.Priority
		}
		return slots[i].seq < slots[j].seq
	})
	b.handlers[entry.EventName] = slots
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			slots := b.handlers[entry.EventName]
			out := slots[:0]
			for _, s := range slots {
				if s.entry.ID != entry.ID {
					out = append(out, s)
				}
			}
			b.handlers[entry.EventName] = out
		})
	}, nil
}

// Subscribe registers a pattern-matching observer. patterns may contain "*"
// wildcards (compiled via gobwas/glob); an empty pattern list falls back to
// matching on namespace prefix (spec §4.1 "subscribe").
func (b *Bus) Subscribe(subscriber string, patterns []string, namespace string, fn SubscriberFunc) (string, error) {
	matchers, err := compilePatterns(patterns)
	if err != nil {
		return "", ksierr.Wrap(ksierr.InvalidEvent, "invalid subscription pattern", err)
	}
	sub := &Subscription{
		ID:         uuid.NewString(),
		Subscriber: subscriber,
		Patterns:   patterns,
		Namespace:  namespace,
		Fn:         fn,
		matchers:   matchers,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub.ID, nil
}

// Unsubscribe removes a subscription by id. Unknown ids are a silent no-op,
// matching idempotent-close semantics used elsewhere in the daemon.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// RegisterAgentListener installs the callback dispatchAncestry delivers a
// gated hierarchical observation to for agentID (spec §4.1). Only one
// listener exists per agent at a time; registering again for the same id
// replaces the previous one. internal/agentsvc installs this at
// agent:spawn and tears it down at agent:terminate.
func (b *Bus) RegisterAgentListener(agentID string, fn SubscriberFunc) (unregister func()) {
	b.mu.Lock()
	b.agentListeners[agentID] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.agentListeners, agentID)
			b.mu.Unlock()
		})
	}
}

// Resolve completes a pending correlation future. Async handlers call this
// when their work finishes instead of returning a value synchronously
// (spec §4.1 "Correlation"). A resolve for an unknown or already-resolved
// correlation id is a no-op.
func (b *Bus) Resolve(correlationID string, result map[string]any, err error) {
	b.futuresMu.Lock()
	f := b.futures[correlationID]
	b.futuresMu.Unlock()
	if f == nil {
		return
	}
	f.resolve(result, err)
}

// Emit dispatches name to every matching handler and subscription, records
// the call in history, and — when opts.ExpectResponse is set — blocks for a
// result via the correlation-id future up to opts.Timeout (or the bus
// default).
func (b *Bus) Emit(ctx context.Context, name string, data map[string]any, opts EmitOptions) (map[string]any, error) {
	if name == "" {
		return nil, ksierr.New(ksierr.InvalidEvent, "event name is required")
	}

	rec := Record{
		ID:            uuid.NewString(),
		Name:          name,
		Source:        opts.Source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: opts.CorrelationID,
		ParentID:      opts.ParentID,
		Data:          data,
	}

	if sch := b.schemaFor(name); sch != nil {
		instance, err := toSchemaInstance(data)
		if err != nil {
			verr := ksierr.Wrap(ksierr.InvalidJSON, fmt.Sprintf("event %q payload is not JSON-representable", name), err)
			rec.Error = verr.Envelope()
			b.record(rec)
			return nil, verr
		}
		if err := sch.Validate(instance); err != nil {
			verr := ksierr.Wrap(ksierr.Validation, fmt.Sprintf("event %q failed schema validation", name), err)
			rec.Error = verr.Envelope()
			b.record(rec)
			return nil, verr
		}
	}

	correlationID := opts.CorrelationID
	var fut *future
	if opts.ExpectResponse {
		if correlationID == "" {
			correlationID = uuid.NewString()
			rec.CorrelationID = correlationID
		}
		fut = newFuture()
		b.futuresMu.Lock()
		b.futures[correlationID] = fut
		b.futuresMu.Unlock()
		defer func() {
			b.futuresMu.Lock()
			delete(b.futures, correlationID)
			b.futuresMu.Unlock()
		}()
	}

	hctx := &Context{
		Context:       ctx,
		EventName:     name,
		Source:        opts.Source,
		CorrelationID: correlationID,
		ParentID:      opts.ParentID,
		EmittedAt:     rec.Timestamp,
		AgentID:       opts.AgentID,
		bus:           b,
	}

	result, dispatchErr := b.dispatchHandlers(hctx, &rec, data, fut)
	b.dispatchObservers(rec)
	b.dispatchAncestry(rec, opts.AgentID)

	if opts.ExpectResponse && result == nil && dispatchErr == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = b.defaultTimeout
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		res, err, ok := fut.wait(timer.C)
		if !ok {
			toErr := ksierr.New(ksierr.Timeout, fmt.Sprintf("no handler resolved %q within %s", name, timeout))
			rec.Error = toErr.Envelope()
			b.record(rec)
			return nil, toErr
		}
		result, dispatchErr = res, err
	}

	if dispatchErr != nil {
		if ke, ok := dispatchErr.(*ksierr.Error); ok {
			rec.Error = ke.Envelope()
		} else {
			rec.Error = ksierr.Wrap(ksierr.HandlerError, dispatchErr.Error(), dispatchErr).Envelope()
		}
	} else {
		rec.Result = result
	}
	b.record(rec)
	return result, dispatchErr
}

// dispatchHandlers calls every registered handler for name in priority
// order. Every handler is invoked (fan-out for side effects); the first
// non-nil result wins and is returned, matching the teacher's documented
// "who handles X" composition model. Async handlers run on their own
// goroutine and, if expect_response is active, resolve the future directly
// rather than contributing to the synchronous return value.
func (b *Bus) dispatchHandlers(ctx *Context, rec *Record, data map[string]any, fut *future) (map[string]any, error) {
	b.mu.RLock()
	slots := append([]handlerSlot(nil), b.handlers[rec.Name]...)
	b.mu.RUnlock()

	var firstResult map[string]any
	var firstErr error
	for _, slot := range slots {
		entry := slot.entry
		if entry.Filter != nil && !entry.Filter(data) {
			continue
		}
		rec.HandlersCalled = append(rec.HandlersCalled, entry.Module+"."+entry.EventName)

		if entry.IsAsync {
			go func(entry HandlerEntry) {
				res, err := b.safeCall(ctx, entry, data)
				if fut != nil && (res != nil || err != nil) {
					fut.resolve(res, err)
				}
			}(entry)
			continue
		}

		res, err := b.safeCall(ctx, entry, data)
		if err != nil && firstErr == nil && firstResult == nil {
			firstErr = err
		}
		if res != nil && firstResult == nil {
			firstResult = res
			firstErr = nil
		}
	}
	return firstResult, firstErr
}

func (b *Bus) safeCall(ctx *Context, entry HandlerEntry, data map[string]any) (res map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ksierr.New(ksierr.HandlerError, fmt.Sprintf("handler %s panicked: %v", entry.ID, r)).
				WithExtra("handler", entry.Module)
			b.log.Error(ctx, "handler panic", "handler", entry.ID, "event", entry.EventName, "panic", r)
		}
	}()
	return entry.Fn(ctx, data)
}

// dispatchObservers fans the record out to every subscription whose
// patterns/namespace match, taking a copy-on-write snapshot first so a
// subscriber added or removed mid-fan-out never races the iteration
// (teacher's bus.go technique).
func (b *Bus) dispatchObservers(rec Record) {
	b.mu.RLock()
	snapshot := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		if s.matches(rec.Name) {
			s.Fn(rec)
		}
	}
}

// dispatchAncestry delivers an event up an agent's ancestor chain as an
// observation, tagged as such and never contributing to the primary
// dispatch's returned result (spec §4.1, §9 "first non-nil wins vs.
// observation"). Each ancestor only receives the event if its own declared
// subscription_level covers the distance between it and the emitting
// agent: 0 never qualifies, 1 qualifies only the direct parent (depth 1),
// 2 qualifies parent and grandparent (depth ≤ 2), and -1 qualifies every
// ancestor regardless of depth (P7).
func (b *Bus) dispatchAncestry(rec Record, agentID string) {
	if agentID == "" {
		return
	}
	b.mu.RLock()
	resolver := b.ancestry
	listeners := make(map[string]SubscriberFunc, len(b.agentListeners))
	for id, fn := range b.agentListeners {
		listeners[id] = fn
	}
	b.mu.RUnlock()
	if resolver == nil {
		return
	}
	for depth, ancestorID := range resolver.Ancestors(agentID) {
		level := resolver.SubscriptionLevel(ancestorID)
		if !subscriptionLevelCoversDepth(level, depth+1) {
			continue
		}
		fn, ok := listeners[ancestorID]
		if !ok {
			continue
		}
		obs := rec
		obs.Data = map[string]any{
			"observation":       true,
			"observed_agent_id": agentID,
			"event":             rec.Name,
			"data":              rec.Data,
		}
		fn(obs)
	}
}

// subscriptionLevelCoversDepth implements the spec §4.1 subscription_level
// gate: -1 = all descendants, 0 = none, N>0 = descendants up to depth N.
func subscriptionLevelCoversDepth(level, depth int) bool {
	switch {
	case level < 0:
		return true
	case level == 0:
		return false
	default:
		return depth <= level
	}
}

func (b *Bus) record(rec Record) {
	b.mu.Lock()
	b.hist.append(rec)
	b.mu.Unlock()
	b.met.IncCounter("ksi.bus.events_emitted", 1, "event", rec.Name)
}

func (b *Bus) schemaFor(name string) *jsonschema.Schema {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.schemas[name]
}

// ReplayFilter narrows History/Replay to a subset of recorded events.
type ReplayFilter struct {
	NamePrefix    string
	Since         time.Time
	CorrelationID string
	Limit         int
}

// Replay returns recorded events matching filter, oldest first.
func (b *Bus) Replay(filter ReplayFilter) []Record {
	b.mu.RLock()
	all := b.hist.snapshot()
	b.mu.RUnlock()

	out := make([]Record, 0, len(all))
	for _, r := range all {
		if filter.NamePrefix != "" && !strings.HasPrefix(r.Name, filter.NamePrefix) {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.CorrelationID != "" && r.CorrelationID != filter.CorrelationID {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// History returns every record currently held in the ring buffer, oldest
// first. Used by module:list-style introspection and debugging handlers.
func (b *Bus) History() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hist.snapshot()
}

// toSchemaInstance round-trips data through encoding/json into the decoded
// shape jsonschema/v6 expects (json.Number for numerics, so integer/number
// schema keywords behave correctly).
func toSchemaInstance(data map[string]any) (any, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(buf))
}
