package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// conversationQueue is one session's FIFO of pending requests plus the
// busy flag enforcing at-most-one-in-flight-per-session.
type conversationQueue struct {
	mu      sync.Mutex
	pending []*Request
	busy    bool
}

type activeRequest struct {
	requestID string
	sessionID string
	model     string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Service is the completion daemon subsystem: per-session serialization,
// session rekeying, response logging, and JSON-event extraction.
type Service struct {
	bus        *bus.Bus
	provider   Provider
	injections *injection.Router
	log        telemetry.Logger
	met        telemetry.Metrics
	respLog    *responseLog

	mu     sync.Mutex
	queues map[string]*conversationQueue // session key -> queue
	active map[string]*activeRequest     // request_id -> in-flight bookkeeping

	debugTail bool
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Service) { s.log = l } }

// WithMetrics installs a metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(s *Service) { s.met = m } }

// WithDebugTail enables completion:tail, a debug-only fallback that reads
// a session's response log directly off disk. It is never consulted by the
// authoritative completion:result path and is off by default.
func WithDebugTail(enabled bool) Option { return func(s *Service) { s.debugTail = enabled } }

// New constructs a Service. responseLogDir may be empty to disable
// response logging (tests).
func New(b *bus.Bus, provider Provider, injections *injection.Router, responseLogDir string, opts ...Option) *Service {
	s := &Service{
		bus:        b,
		provider:   provider,
		injections: injections,
		log:        telemetry.NoopLogger{},
		met:        telemetry.NoopMetrics{},
		respLog:    newResponseLog(responseLogDir),
		queues:     make(map[string]*conversationQueue),
		active:     make(map[string]*activeRequest),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit enqueues a completion request, starting a worker for its session
// if one isn't already running, and returns immediately.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if req.Prompt == "" {
		return "", ksierr.New(ksierr.InvalidEvent, "prompt is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	queueKey := req.SessionID
	if queueKey == "" {
		queueKey = "new:" + req.RequestID
	}

	s.mu.Lock()
	q, ok := s.queues[queueKey]
	if !ok {
		q = &conversationQueue{}
		s.queues[queueKey] = q
	}
	s.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, &req)
	startWorker := !q.busy
	if startWorker {
		q.busy = true
	}
	q.mu.Unlock()

	if startWorker {
		go s.runWorker(queueKey)
	}
	return req.RequestID, nil
}

// Cancel requests cancellation of an in-flight request. Requests that have
// already completed, or were never submitted, return status "not_found".
func (s *Service) Cancel(requestID string) string {
	s.mu.Lock()
	ar, ok := s.active[requestID]
	s.mu.Unlock()
	if !ok {
		return "not_found"
	}
	ar.cancel()
	return "cancelled"
}

// StatusSnapshot reports every in-flight request and per-session queue
// depth.
func (s *Service) StatusSnapshot() (active []Status, depths map[string]int) {
	s.mu.Lock()
	for _, ar := range s.active {
		active = append(active, Status{RequestID: ar.requestID, SessionID: ar.sessionID, Model: ar.model, StartedAt: ar.startedAt})
	}
	depths = make(map[string]int, len(s.queues))
	for key, q := range s.queues {
		q.mu.Lock()
		depths[key] = len(q.pending)
		q.mu.Unlock()
	}
	s.mu.Unlock()
	return active, depths
}

// Tail returns the trailing response-log entries for a session, read
// straight off disk. It exists purely for manual inspection while debugging
// a provider and is disabled unless the service was constructed with
// WithDebugTail(true); completion:result is always the authoritative path.
func (s *Service) Tail(sessionID string, limit int) ([]responseLogEntry, error) {
	if !s.debugTail {
		return nil, ksierr.New(ksierr.Disabled, "completion:tail is disabled")
	}
	return s.respLog.tail(sessionID, limit)
}

// runWorker drains queueKey's pending requests one at a time, rekeying the
// queue to each response's new session id as it goes.
func (s *Service) runWorker(queueKey string) {
	currentKey := queueKey
	for {
		s.mu.Lock()
		q := s.queues[currentKey]
		s.mu.Unlock()
		if q == nil {
			return
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.busy = false
			q.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		newKey := s.process(currentKey, req)
		if newKey != "" && newKey != currentKey {
			s.rekeyQueue(currentKey, newKey)
			currentKey = newKey
		}
	}
}

// process runs one request to completion: injection flush, provider
// invocation, result/error emission, response logging, and JSON-event
// extraction. It returns the new queue key the session should continue
// under (the provider's returned session_id), or "" if the request failed
// before a session id was established.
func (s *Service) process(queueKey string, req *Request) (newQueueKey string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[req.RequestID] = &activeRequest{
		requestID: req.RequestID, sessionID: req.SessionID, model: req.Model,
		startedAt: time.Now().UTC(), cancel: cancel,
	}
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, req.RequestID)
		s.mu.Unlock()
	}()

	prompt := req.Prompt
	var deliveredInjectionIDs []string
	if s.injections != nil && req.SessionID != "" {
		pending, err := s.injections.Consume(ctx, req.SessionID)
		if err != nil {
			s.log.Warn(ctx, "failed to consume pending injections", "session_id", req.SessionID, "error", err)
		}
		if len(pending) > 0 {
			prompt = prependInjections(prompt, pending)
			for _, inj := range pending {
				deliveredInjectionIDs = append(deliveredInjectionIDs, inj.ID)
			}
		}
	}

	resp, err := s.provider.Complete(ctx, ProviderRequest{
		Prompt: prompt, Model: req.Model, SessionID: req.SessionID,
	})
	if err != nil {
		if s.injections != nil {
			s.injections.ProcessResult(req.SessionID, deliveredInjectionIDs, false)
		}
		s.emitError(ctx, req, err)
		return ""
	}
	if s.injections != nil {
		s.injections.ProcessResult(req.SessionID, deliveredInjectionIDs, true)
	}

	s.emitResult(ctx, req, resp)

	if err := s.respLog.append(resp.SessionID, responseLogEntry{
		RequestID: req.RequestID, Prompt: prompt, Model: req.Model,
		Response: resp.Result, SessionID: resp.SessionID, Usage: resp.Usage,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.log.Warn(ctx, "failed to append response log", "session_id", resp.SessionID, "error", err)
	}

	s.extractAndFeedback(ctx, req, resp)
	s.queueConfiguredInjections(ctx, req)

	return resp.SessionID
}

func (s *Service) emitResult(ctx context.Context, req *Request, resp ProviderResponse) {
	_, _ = s.bus.Emit(ctx, "completion:result", map[string]any{
		"request_id": req.RequestID,
		"agent_id":   req.AgentID,
		"result": map[string]any{
			"response": map[string]any{
				"result":     resp.Result,
				"session_id": resp.SessionID,
				"usage":      resp.Usage,
				"model":      resp.Model,
			},
		},
	}, bus.EmitOptions{Source: "completion"})
}

func (s *Service) emitError(ctx context.Context, req *Request, err error) {
	envelope := ksierr.Wrap(ksierr.ProviderError, err.Error(), err).Envelope()
	_, _ = s.bus.Emit(ctx, "completion:error", map[string]any{
		"request_id": req.RequestID,
		"agent_id":   req.AgentID,
		"error":      envelope,
	}, bus.EmitOptions{Source: "completion"})
}

// extractAndFeedback scans the provider's response for embedded JSON
// events, re-emits every well-formed one, and queues one feedback
// injection enumerating any malformed patterns.
func (s *Service) extractAndFeedback(ctx context.Context, req *Request, resp ProviderResponse) {
	events, malformed := extractEvents(resp.Result)
	for _, evt := range events {
		data := evt.Data
		if data == nil {
			data = make(map[string]any)
		}
		if req.AgentID != "" {
			data["_agent_id"] = req.AgentID
		}
		if _, err := s.bus.Emit(ctx, evt.Name, data, bus.EmitOptions{Source: "completion"}); err != nil {
			s.log.Warn(ctx, "failed to re-emit extracted event", "event", evt.Name, "error", err)
		}
	}
	if len(malformed) == 0 || s.injections == nil || resp.SessionID == "" {
		return
	}
	feedback := buildFeedbackMessage(malformed)
	if _, err := s.injections.Inject(ctx, resp.SessionID, injection.Injection{
		Content: feedback,
	}, 0); err != nil {
		s.log.Warn(ctx, "failed to queue malformed-JSON feedback", "error", err)
	}
}

// queueConfiguredInjections implements "Injection config": a request may
// ask that its response trigger a follow-up reminder into one or more
// target sessions.
func (s *Service) queueConfiguredInjections(ctx context.Context, req *Request) {
	cfg := req.InjectionConfig
	if cfg == nil || !cfg.Enabled || s.injections == nil {
		return
	}
	for _, target := range cfg.TargetSessions {
		if _, err := s.injections.Inject(ctx, target, injection.Injection{Content: cfg.Content}, cfg.TTLSeconds); err != nil {
			s.log.Warn(ctx, "failed to queue configured injection", "target_session", target, "error", err)
		}
	}
}

func (s *Service) rekeyQueue(oldKey, newKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.queues[oldKey]
	if !ok {
		return
	}
	delete(s.queues, oldKey)
	if existing, ok := s.queues[newKey]; ok {
		existing.mu.Lock()
		old.mu.Lock()
		existing.pending = append(existing.pending, old.pending...)
		old.mu.Unlock()
		existing.mu.Unlock()
		return
	}
	s.queues[newKey] = old
}

func prependInjections(prompt string, injs []injection.Injection) string {
	var b strings.Builder
	b.WriteString("<system-reminder>\n")
	for _, inj := range injs {
		fmt.Fprintf(&b, "- %s\n", inj.Content)
	}
	b.WriteString("</system-reminder>\n\n")
	b.WriteString(prompt)
	return b.String()
}

func buildFeedbackMessage(malformed []string) string {
	var b strings.Builder
	b.WriteString("Your previous response included malformed JSON event(s) that could not be parsed:\n")
	for i, m := range malformed {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m)
	}
	b.WriteString("Emit events as strict JSON: double-quoted keys and strings, no trailing commas.")
	return b.String()
}
