// Package session holds per-connection state: the in-memory Session used by
// the dispatcher and the persistent connection Records kept in Redis.
package session

import (
	"errors"
	"sync"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
)

var (
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrSessionClosed        = errors.New("session closed")
)

// ReplyFunc receives the response to a request sent to the edge. It runs on
// whichever goroutine observes the response or the connection close.
type ReplyFunc func(resp *jsonrpc.Response)

// Session is the state of one edge connection. Identity is written once by
// the handshake; the pending maps are shared with senders on other goroutines.
type Session struct {
	ConnID string

	mu            sync.Mutex
	authenticated bool
	credential    string
	edgeID        string
	closed        bool
	pending       map[string]ReplyFunc
	legacyPending map[string]ReplyFunc
}

func New(connID string) *Session {
	return &Session{
		ConnID:        connID,
		pending:       make(map[string]ReplyFunc),
		legacyPending: make(map[string]ReplyFunc),
	}
}

// Authenticate stores the resolved identity and marks the session
// authenticated. The identity can be set only once.
func (s *Session) Authenticate(edgeID, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.edgeID != "" {
		return ErrAlreadyAuthenticated
	}
	s.edgeID = edgeID
	s.credential = credential
	s.authenticated = true
	return nil
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) EdgeID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edgeID, s.edgeID != ""
}

func (s *Session) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// AddPending registers a reply callback for a structured request id. It
// returns ErrSessionClosed once Close has run; the callback is then not kept.
func (s *Session) AddPending(id string, fn ReplyFunc) error {
	return s.add(s.pending, id, fn)
}

// AddLegacyPending registers a reply callback keyed by messageId.backend.
func (s *Session) AddLegacyPending(backendID string, fn ReplyFunc) error {
	return s.add(s.legacyPending, backendID, fn)
}

func (s *Session) add(m map[string]ReplyFunc, id string, fn ReplyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	m[id] = fn
	return nil
}

// RemovePending drops a callback without invoking it, returning it to the
// caller. Used when the request never made it onto the wire.
func (s *Session) RemovePending(id string) (ReplyFunc, bool) {
	return s.take(s.pending, id)
}

func (s *Session) RemoveLegacyPending(backendID string) (ReplyFunc, bool) {
	return s.take(s.legacyPending, backendID)
}

func (s *Session) take(m map[string]ReplyFunc, id string) (ReplyFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := m[id]
	if ok {
		delete(m, id)
	}
	return fn, ok
}

// Resolve completes the pending request matching resp.ID. It reports false
// for late or duplicate responses.
func (s *Session) Resolve(resp *jsonrpc.Response) bool {
	fn, ok := s.take(s.pending, resp.ID)
	if !ok {
		return false
	}
	fn(resp)
	return true
}

// ResolveLegacy completes the legacy request matching reply's backend id.
// The whole legacy object is handed over as the result.
func (s *Session) ResolveLegacy(reply *jsonrpc.LegacyReply) bool {
	id := reply.MessageID.Backend
	if id == "" {
		return false
	}
	fn, ok := s.take(s.legacyPending, id)
	if !ok {
		return false
	}
	fn(&jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: reply.Payload})
	return true
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.legacyPending)
}

// Close marks the session closed and fails every pending reply with
// NotConnectedOnClose. It returns the number of callbacks resolved; later
// calls resolve nothing.
func (s *Session) Close() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	edgeID := s.edgeID
	pending, legacy := s.pending, s.legacyPending
	s.pending, s.legacyPending = map[string]ReplyFunc{}, map[string]ReplyFunc{}
	s.mu.Unlock()

	n := 0
	for _, m := range []map[string]ReplyFunc{pending, legacy} {
		for id, fn := range m {
			fn(jsonrpc.NewErrorResponse(id, jsonrpc.NotConnectedOnClose(edgeID)))
			n++
		}
	}
	return n
}
