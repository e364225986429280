// Package transport implements the daemon's Unix-domain socket front door:
// one well-known socket path, one goroutine per accepted connection, one
// line of JSON in and one line of JSON out per request.
//
// Grounded on the only comparable socket daemon in the pack
// (other_examples' beads RPC server: socket path config, accept loop,
// semaphore-bounded concurrent connections, per-connection goroutine,
// shutdown channel) generalized from that server's bespoke RPC dispatch to
// routing every request straight through internal/bus.Emit. No third-party
// line-framing-over-Unix-socket library appears anywhere in the pack, so
// this layer is stdlib net/bufio/encoding-json, same as the grounding
// source.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// wireRequest is one line of client input.
type wireRequest struct {
	Event         string         `json:"event"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id"`
}

type wireResponse struct {
	CorrelationID string
	Result        map[string]any
	Error         map[string]any
}

// Server accepts connections on a single Unix-domain socket and routes
// each request line through the bus.
type Server struct {
	socketPath string
	b          *bus.Bus
	log        telemetry.Logger

	listener net.Listener
	sem      chan struct{}

	mu    sync.Mutex
	conns map[string]net.Conn
	owned map[string][]string // connID -> subscription ids created on that connection
	wg    sync.WaitGroup
	done  chan struct{}
}

// New constructs a Server. maxConns of zero means unlimited concurrent
// connections.
func New(socketPath string, b *bus.Bus, log telemetry.Logger, maxConns int) *Server {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	var sem chan struct{}
	if maxConns > 0 {
		sem = make(chan struct{}, maxConns)
	}
	return &Server{
		socketPath: socketPath,
		b:          b,
		log:        log,
		sem:        sem,
		conns:      make(map[string]net.Conn),
		owned:      make(map[string][]string),
		done:       make(chan struct{}),
	}
}

// Start binds the socket (removing a stale file at the same path first, as
// is normal for Unix-socket daemons) and begins accepting connections in
// the background.
func (s *Server) Start() error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return ksierr.Wrap(ksierr.HandlerError, "remove stale socket", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return ksierr.Wrap(ksierr.HandlerError, "listen on socket", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open connection, then waits for their
// goroutines to exit.
func (s *Server) Stop() error {
	close(s.done)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Warn(context.Background(), "accept failed", "error", err)
				return
			}
		}
		if s.sem != nil {
			s.sem <- struct{}{}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn implements spec §4.8's per-connection read loop: one line in,
// one line out, parse errors reported without closing the connection.
// Lines on one connection are handled one at a time: the loop calls Emit
// inline and reads the next line only after it returns, so synchronous
// handler work and the expect_response wait both hold up the loop. Only
// async handlers run on their own goroutine.
func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.teardown(connID)
		if s.sem != nil {
			<-s.sem
		}
		s.wg.Done()
	}()

	reader := bufio.NewReader(conn)
	writeMu := &sync.Mutex{}
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			s.handleLine(connID, conn, writeMu, line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleLine(connID string, conn net.Conn, writeMu *sync.Mutex, line string) {
	var req wireRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.writeResponse(conn, writeMu, wireResponse{Error: ksierr.New(ksierr.InvalidJSON, err.Error()).Envelope()})
		return
	}
	if req.Event == "" {
		s.writeResponse(conn, writeMu, wireResponse{
			CorrelationID: req.CorrelationID,
			Error:         ksierr.New(ksierr.InvalidEvent, "event is required").Envelope(),
		})
		return
	}

	ctx := context.Background()
	result, err := s.b.Emit(ctx, req.Event, req.Data, bus.EmitOptions{
		Source: "unix", CorrelationID: req.CorrelationID, ExpectResponse: true,
	})
	if err != nil {
		s.writeResponse(conn, writeMu, wireResponse{
			CorrelationID: req.CorrelationID,
			Error:         errorFrom(err),
		})
		return
	}

	s.trackSubscription(connID, req.Event, result)
	s.writeResponse(conn, writeMu, wireResponse{CorrelationID: req.CorrelationID, Result: result})
}

// trackSubscription remembers any subscription id a request created on this
// connection, so it can be torn down on disconnect.
func (s *Server) trackSubscription(connID, event string, result map[string]any) {
	if event != "observation:subscribe" {
		return
	}
	id, _ := result["subscription_id"].(string)
	if id == "" {
		return
	}
	s.mu.Lock()
	s.owned[connID] = append(s.owned[connID], id)
	s.mu.Unlock()
}

func (s *Server) teardown(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	ids := s.owned[connID]
	delete(s.owned, connID)
	s.mu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		_, _ = s.b.Emit(ctx, "observation:unsubscribe", map[string]any{"subscription_id": id}, bus.EmitOptions{Source: "unix"})
	}
}

func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, resp wireResponse) {
	payload := map[string]any{}
	if resp.Result != nil {
		for k, v := range resp.Result {
			payload[k] = v
		}
	}
	if resp.CorrelationID != "" {
		payload["correlation_id"] = resp.CorrelationID
	}
	if resp.Error != nil {
		payload["error"] = resp.Error
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return
	}
	buf = append(buf, '\n')

	writeMu.Lock()
	defer writeMu.Unlock()
	_, _ = conn.Write(buf)
}

func errorFrom(err error) map[string]any {
	if kerr, ok := err.(*ksierr.Error); ok {
		return kerr.Envelope()
	}
	return ksierr.New(ksierr.HandlerError, err.Error()).Envelope()
}
