// Package registry tracks which edges are reachable and through which
// connections.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/metrics"
	"github.com/abdelmounim-dev/edge-gateway/session"
)

// Conn is a live transport connection of an edge.
type Conn interface {
	ID() string
	Session() *session.Session
	// Send writes one frame. It must be safe for concurrent use.
	Send(ctx context.Context, frame any) error
}

// PresenceListener is told when an edge gains its first or loses its last
// connection. Calls are made while the registry lock is held, so an online
// and an offline transition for the same edge can never be reordered;
// implementations must not block or call back into the registry.
type PresenceListener interface {
	EdgeOnline(edgeID string)
	EdgeOffline(edgeID string)
}

// Registry maps edge ids to their live connections. A connection is listed
// under at most one edge.
type Registry struct {
	mu       sync.RWMutex
	edges    map[string]map[string]Conn // edgeID -> connID -> conn
	owners   map[string]string          // connID -> edgeID
	listener PresenceListener
	log      *zap.Logger
}

// New creates a registry. listener may be nil.
func New(listener PresenceListener, log *zap.Logger) *Registry {
	return &Registry{
		edges:    make(map[string]map[string]Conn),
		owners:   make(map[string]string),
		listener: listener,
		log:      log,
	}
}

// Register adds conn to the edge's connection set. Registering the same
// connection again is a no-op.
func (r *Registry) Register(edgeID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	if owner, ok := r.owners[connID]; ok {
		if owner == edgeID {
			return
		}
		r.log.Warn("Connection moved between edges", zap.String("conn_id", connID),
			zap.String("from", owner), zap.String("to", edgeID))
		r.removeLocked(owner, connID)
	}

	conns, ok := r.edges[edgeID]
	if !ok {
		conns = make(map[string]Conn)
		r.edges[edgeID] = conns
	}
	conns[connID] = conn
	r.owners[connID] = edgeID

	if len(conns) == 1 {
		metrics.OnlineEdges.Inc()
		if r.listener != nil {
			r.listener.EdgeOnline(edgeID)
		}
	}
	r.log.Debug("Connection registered", zap.String("edge_id", edgeID),
		zap.String("conn_id", connID), zap.Int("connections", len(conns)))
}

// Deregister removes conn and reports whether the edge still has other
// connections. When none remain the edge is declared offline before the
// lock is released, so a racing Register can not be overwritten.
func (r *Registry) Deregister(edgeID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[conn.ID()]; !ok || owner != edgeID {
		return len(r.edges[edgeID]) > 0
	}
	return r.removeLocked(edgeID, conn.ID())
}

func (r *Registry) removeLocked(edgeID, connID string) bool {
	delete(r.owners, connID)
	conns := r.edges[edgeID]
	delete(conns, connID)
	if len(conns) > 0 {
		return true
	}

	delete(r.edges, edgeID)
	metrics.OnlineEdges.Dec()
	if r.listener != nil {
		r.listener.EdgeOffline(edgeID)
	}
	r.log.Debug("Last connection of edge removed", zap.String("edge_id", edgeID))
	return false
}

// IsOnline reports whether the edge has at least one connection.
func (r *Registry) IsOnline(edgeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.edges[edgeID]
	return ok
}

// AnyConnection returns one of the edge's connections, in no particular order.
func (r *Registry) AnyConnection(edgeID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.edges[edgeID] {
		return c, true
	}
	return nil, false
}

// AllConnections returns a snapshot of the edge's connections.
func (r *Registry) AllConnections(edgeID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.edges[edgeID]))
	for _, c := range r.edges[edgeID] {
		conns = append(conns, c)
	}
	return conns
}

// OnlineEdges returns the ids of every edge with a connection.
func (r *Registry) OnlineEdges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.edges))
	for id := range r.edges {
		ids = append(ids, id)
	}
	return ids
}
