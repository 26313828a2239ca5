package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/metrics"
	"github.com/abdelmounim-dev/edge-gateway/session"
)

// ClientManager tracks the connections of this gateway instance and mirrors
// them as records in the shared session store.
type ClientManager struct {
	clients      sync.Map // connID -> *ClientSession
	count        atomic.Int32
	wg           sync.WaitGroup
	sessionStore session.Store
	serverID     string
	log          *zap.Logger
}

// NewClientManager creates a client manager.
func NewClientManager(store session.Store, serverID string, log *zap.Logger) *ClientManager {
	return &ClientManager{
		sessionStore: store,
		serverID:     serverID,
		log:          log,
	}
}

// Track adds a freshly upgraded connection.
func (m *ClientManager) Track(cs *ClientSession) {
	m.clients.Store(cs.ID(), cs)
	m.count.Add(1)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
}

// AddClient stores the record of an authenticated connection.
func (m *ClientManager) AddClient(ctx context.Context, cs *ClientSession, edgeID string) error {
	record := &session.Record{
		ConnID:      cs.ID(),
		EdgeID:      edgeID,
		ServerID:    m.serverID,
		ConnectedAt: time.Now(),
	}
	if err := m.sessionStore.Create(ctx, record); err != nil {
		return err
	}
	cs.record = record
	m.log.Debug("Connection record created", zap.String("conn_id", cs.ID()), zap.String("edge_id", edgeID))
	return nil
}

// RemoveClient forgets the connection and deletes its record. Calling it
// twice is harmless.
func (m *ClientManager) RemoveClient(cs *ClientSession) {
	if _, ok := m.clients.LoadAndDelete(cs.ID()); !ok {
		return
	}
	m.count.Add(-1)
	metrics.ActiveConnections.Dec()

	if cs.record == nil {
		return
	}
	// The request context is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sessionStore.Delete(ctx, cs.record); err != nil {
		m.log.Warn("Failed to delete connection record", zap.String("conn_id", cs.ID()), zap.Error(err))
	}
}

// Count returns the number of live connections of this instance.
func (m *ClientManager) Count() int {
	return int(m.count.Load())
}

// RefreshSessionTTL extends the connection's record.
func (m *ClientManager) RefreshSessionTTL(ctx context.Context, cs *ClientSession) {
	if cs.record == nil {
		return
	}
	if err := m.sessionStore.RefreshTTL(ctx, cs.record); err != nil {
		// Transient store errors do not justify dropping the edge.
		m.log.Warn("Failed to refresh connection record TTL", zap.String("conn_id", cs.ID()), zap.Error(err))
	}
}

// Go runs fn as a tracked background task.
func (m *ClientManager) Go(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// WaitForCompletion waits for all operations to complete
func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAllConnections sends close messages to all clients. Their read loops
// then clean up.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value interface{}) bool {
		cs := value.(*ClientSession)
		m.log.Info("Closing connection", zap.String("conn_id", cs.ID()), zap.String("reason", reason))
		cs.Close(websocket.CloseGoingAway, reason)
		return true
	})
}
