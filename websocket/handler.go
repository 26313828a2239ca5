// Package websocket is the edge-facing transport: it upgrades HTTP requests,
// runs the handshake and feeds inbound frames to the dispatcher.
package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/auth"
	"github.com/abdelmounim-dev/edge-gateway/config"
	"github.com/abdelmounim-dev/edge-gateway/protocol"
	"github.com/abdelmounim-dev/edge-gateway/registry"
)

// Upgrader for websocket connections
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Resubscriber restores upstream subscriptions of an edge that came back.
type Resubscriber interface {
	HasObservers(edgeID string) bool
	Resubscribe(ctx context.Context, edgeID string) error
}

// Handler serves edge connections.
type Handler struct {
	manager      *ClientManager
	handshake    *auth.Handshake
	dispatcher   *protocol.Dispatcher
	registry     *registry.Registry
	resubscriber Resubscriber
	cfg          *config.WebSocketConfig
	log          *zap.Logger
}

// NewHandler creates a websocket handler. resubscriber may be nil.
func NewHandler(manager *ClientManager, handshake *auth.Handshake, dispatcher *protocol.Dispatcher,
	reg *registry.Registry, resubscriber Resubscriber, cfg *config.WebSocketConfig, log *zap.Logger) *Handler {
	return &Handler{
		manager:      manager,
		handshake:    handshake,
		dispatcher:   dispatcher,
		registry:     reg,
		resubscriber: resubscriber,
		cfg:          cfg,
		log:          log,
	}
}

// HandshakePayload extracts the edge's credentials from the upgrade request.
// Headers win over query parameters.
func HandshakePayload(r *http.Request) auth.Payload {
	first := func(names ...string) string {
		for _, n := range names {
			if v := r.Header.Get(n); v != "" {
				return v
			}
		}
		q := r.URL.Query()
		for _, n := range names {
			if v := q.Get(n); v != "" {
				return v
			}
		}
		return ""
	}

	credential := first("apikey", "credential")
	if credential == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			credential = strings.TrimPrefix(h, "Bearer ")
		}
	}
	return auth.Payload{
		Credential: credential,
		HardwareID: first("hardwareId", "mac"),
		Version:    first("version"),
	}
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MaxConnections > 0 && h.manager.Count() >= h.cfg.MaxConnections {
		h.log.Warn("Rejecting connection, limit reached", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	payload := HandshakePayload(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	if h.cfg.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.cfg.MessageSizeLimit))
	}

	cs := NewClientSession(uuid.NewString(), conn, h.cfg, h.log)
	h.manager.Track(cs)
	defer h.manager.RemoveClient(cs)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(h.cfg.HandshakeTimeout)*time.Second)
	rec, err := h.handshake.Authenticate(ctx, cs, payload)
	cancel()
	if err != nil {
		cs.Close(websocket.ClosePolicyViolation, auth.CloseReason(payload.Credential, err))
		return
	}
	edgeID := rec.ID()
	log := h.log.With(zap.String("edge_id", edgeID), zap.String("conn_id", cs.ID()))
	defer h.cleanup(cs, edgeID, log)

	if err := h.manager.AddClient(r.Context(), cs, edgeID); err != nil {
		log.Error("Failed to create connection record", zap.Error(err))
		cs.Close(websocket.CloseInternalServerErr, "Session store unavailable")
		return
	}

	conn.SetPongHandler(cs.GetPongHandler())
	cs.StartTimers()
	h.resubscribe(edgeID, log)

	h.readLoop(cs, log)
}

func (h *Handler) readLoop(cs *ClientSession, log *zap.Logger) {
	for {
		_, msg, err := cs.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Info("Read error from edge", zap.Error(err))
			}
			cs.Close(websocket.CloseNormalClosure, "Edge disconnected")
			return
		}
		cs.UpdateActivity()
		h.manager.RefreshSessionTTL(cs.Context(), cs)

		if err := h.dispatcher.Dispatch(cs.Context(), cs, msg); err != nil {
			code := websocket.CloseInternalServerErr
			if errors.Is(err, protocol.ErrNotAuthenticated) {
				code = websocket.ClosePolicyViolation
			}
			log.Warn("Closing connection after dispatch error", zap.Error(err))
			cs.Close(code, err.Error())
			return
		}
	}
}

// resubscribe runs in the background because the reply arrives through the
// read loop that has not started yet.
func (h *Handler) resubscribe(edgeID string, log *zap.Logger) {
	if h.resubscriber == nil || !h.resubscriber.HasObservers(edgeID) {
		return
	}
	if len(h.registry.AllConnections(edgeID)) > 1 {
		return
	}
	h.manager.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.cfg.ActivityTimeout)*time.Second)
		defer cancel()
		if err := h.resubscriber.Resubscribe(ctx, edgeID); err != nil {
			log.Warn("Resubscribe failed", zap.Error(err))
		}
	})
}

// cleanup deregisters the connection and fails its pending replies.
func (h *Handler) cleanup(cs *ClientSession, edgeID string, log *zap.Logger) {
	remaining := h.registry.Deregister(edgeID, cs)
	n := cs.Session().Close()
	log.Info("Edge connection closed", zap.Bool("edge_still_online", remaining), zap.Int("failed_pending", n))
}
