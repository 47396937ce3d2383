// Package session implements the per-connection state machine (C8):
// HELLO/AUTH handshake, wire-mode negotiation, pipelined dispatch, and
// event delivery, grounded in the request/response session pattern
// used by JSON-RPC transport servers in the wider ecosystem.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"fsmdb/internal/fsmerr"
	"fsmdb/internal/protocol"

	"github.com/google/uuid"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnected State = iota
	StateReady
	StateAuthenticated
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handler processes one request and returns its response. Implemented
// by the server package, which wires it to the fsm engine and the
// broadcast hub.
type Handler interface {
	Handle(ctx context.Context, sess *Session, req *protocol.Request) (*protocol.Response, error)
}

// Limits bounds what a single connection is allowed to do.
type Limits struct {
	IdleTimeout    time.Duration
	MaxFrameBytes  int
	MaxBatchOps    int
	MaxIDLen       int
}

// Unwatcher is implemented by broadcast.Subscription; kept as an
// interface here so session never imports the broadcast package
// directly.
type Unwatcher interface {
	Unwatch()
}

// Session is one client connection: its wire mode, auth state, and
// outbound write path. Reads happen on the caller's goroutine (one per
// connection); each request is dispatched to its own goroutine so a
// slow request never blocks others pipelined behind it.
type Session struct {
	ID   string
	conn net.Conn

	mu       sync.Mutex // guards writes and state
	state    State
	wireMode protocol.WireMode
	writer   *bufio.Writer

	authenticated bool
	limits        Limits

	jsonlReader *protocol.JSONLReader

	subs   map[string]Unwatcher
	subsMu sync.Mutex

	handler Handler
}

// New wraps conn as a fresh, unauthenticated session.
func New(conn net.Conn, handler Handler, limits Limits) *Session {
	return &Session{
		ID:       uuid.New().String(),
		conn:     conn,
		state:    StateConnected,
		wireMode: protocol.WireModeBinaryJSON,
		writer:   bufio.NewWriter(conn),
		limits:   limits,
		handler:  handler,
		subs:     map[string]Unwatcher{},
	}
}

// Serve runs the connection's read loop until it closes, the idle
// timeout fires, or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) {
	defer s.closeAll()
	for {
		if s.limits.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
		}
		req, err := s.readRequest()
		if err != nil {
			if err.Error() != "EOF" {
				log.Printf("[session] %s: read error: %v", s.ID, err)
			}
			return
		}
		if err := s.dispatch(ctx, req); err != nil {
			log.Printf("[session] %s: dispatch error: %v", s.ID, err)
			return
		}
		if s.State() == StateClosing {
			return
		}
	}
}

func (s *Session) readRequest() (*protocol.Request, error) {
	mode := s.WireMode()
	if mode == protocol.WireModeJSONL {
		if s.jsonlReader == nil {
			s.jsonlReader = protocol.NewJSONLReader(s.conn)
		}
		line, err := s.jsonlReader.ReadMessage()
		if err != nil {
			return nil, err
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fsmerr.Wrap(fsmerr.BadRequest, "malformed jsonl request", err)
		}
		return &req, nil
	}
	frame, err := protocol.Decode(s.conn)
	if err != nil {
		return nil, err
	}
	var req protocol.Request
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, fsmerr.Wrap(fsmerr.BadRequest, "malformed request frame", err)
	}
	return &req, nil
}

// dispatch validates the request against session state and limits,
// then hands it to the handler on its own goroutine so pipelined
// requests never serialize behind a slow one. HELLO and AUTH are
// handled inline since they mutate session state directly.
func (s *Session) dispatch(ctx context.Context, req *protocol.Request) error {
	if err := protocol.ValidateRequest(req); err != nil {
		s.sendError(req.ID, err)
		return nil
	}
	if s.limits.MaxIDLen > 0 && len(req.ID) > s.limits.MaxIDLen {
		s.sendError(req.ID, fsmerr.New(fsmerr.BadRequest, "request id exceeds max_id_length"))
		return nil
	}

	state := s.State()
	if state == StateConnected && req.Op != protocol.OpHello {
		s.sendError(req.ID, fsmerr.New(fsmerr.BadRequest, "HELLO must be the first message on a connection"))
		return nil
	}
	if !s.IsAuthenticated() && !protocol.AllowedBeforeAuth(req.Op) {
		s.sendError(req.ID, fsmerr.New(fsmerr.Unauthorized, "AUTH is required before this operation"))
		return nil
	}

	handle := func() {
		resp, err := s.handler.Handle(ctx, s, req)
		if err != nil {
			s.sendError(req.ID, err)
			return
		}
		s.send(resp)
	}
	if req.Op == protocol.OpHello || req.Op == protocol.OpAuth {
		handle()
		return nil
	}
	go handle()
	return nil
}

// SetWireMode is called by the HELLO handler once it has negotiated a mode.
func (s *Session) SetWireMode(mode protocol.WireMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wireMode = mode
}

func (s *Session) WireMode() protocol.WireMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wireMode
}

func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetAuthenticated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = v
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// TrackSubscription records a subscription owned by this session so it
// is torn down when the connection closes or UNWATCH is called.
func (s *Session) TrackSubscription(id string, u Unwatcher) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[id] = u
}

func (s *Session) Unwatch(id string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	u, ok := s.subs[id]
	if !ok {
		return false
	}
	u.Unwatch()
	delete(s.subs, id)
	return true
}

func (s *Session) closeAll() {
	s.subsMu.Lock()
	for id, u := range s.subs {
		u.Unwatch()
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
	s.SetState(StateClosing)
	s.conn.Close()
}

// send writes resp using the session's negotiated wire mode. Writes
// are serialized so pipelined goroutines never interleave frames.
func (s *Session) send(resp *protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wireMode == protocol.WireModeJSONL {
		if err := protocol.WriteJSONLMessage(s.writer, resp); err != nil {
			log.Printf("[session] %s: write error: %v", s.ID, err)
			return
		}
		s.writer.Flush()
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[session] %s: encode error: %v", s.ID, err)
		return
	}
	if err := protocol.Encode(s.writer, data, 0); err != nil {
		log.Printf("[session] %s: write error: %v", s.ID, err)
		return
	}
	s.writer.Flush()
}

// SendEvent pushes a broadcast event frame out-of-band from request
// dispatch, using the same serialized write path.
func (s *Session) SendEvent(evt *protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wireMode == protocol.WireModeJSONL {
		if err := protocol.WriteJSONLMessage(s.writer, evt); err != nil {
			log.Printf("[session] %s: event write error: %v", s.ID, err)
			return
		}
		s.writer.Flush()
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := protocol.Encode(s.writer, data, 0); err != nil {
		log.Printf("[session] %s: event write error: %v", s.ID, err)
		return
	}
	s.writer.Flush()
}

func (s *Session) sendError(id string, err error) {
	s.send(protocol.ErrResponse(id, err))
}

// RequestClose initiates an orderly shutdown of the connection, e.g.
// after a BYE request.
func (s *Session) RequestClose() {
	s.SetState(StateClosing)
}
