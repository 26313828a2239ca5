// Package gateway is the API the rest of the backend uses to reach edges.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/metrics"
	"github.com/abdelmounim-dev/edge-gateway/registry"
	"github.com/abdelmounim-dev/edge-gateway/session"
)

// Gateway resolves edge ids to live connections and writes frames to them.
type Gateway struct {
	registry *registry.Registry
	log      *zap.Logger
}

func New(reg *registry.Registry, log *zap.Logger) *Gateway {
	return &Gateway{registry: reg, log: log}
}

// IsOnline reports whether the edge has a live connection.
func (g *Gateway) IsOnline(edgeID string) bool {
	return g.registry.IsOnline(edgeID)
}

// SendRequest writes req to one of the edge's connections and calls onReply
// exactly once: with the edge's response, with NotConnectedOnClose if the
// connection closes first, or with EdgeNotConnected before returning when
// the edge is offline or the write fails.
func (g *Gateway) SendRequest(ctx context.Context, edgeID string, req *jsonrpc.Request, onReply session.ReplyFunc) {
	g.sendRequest(ctx, edgeID, req, onReply)
}

func (g *Gateway) sendRequest(ctx context.Context, edgeID string, req *jsonrpc.Request, onReply session.ReplyFunc) *session.Session {
	conn, ok := g.registry.AnyConnection(edgeID)
	if !ok {
		onReply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.EdgeNotConnected(edgeID)))
		return nil
	}
	sess := conn.Session()
	g.send(ctx, conn, edgeID, req.ID, req, onReply, sess.AddPending, sess.RemovePending)
	return sess
}

// SendLegacy writes a legacy object whose reply is correlated by
// messageId.backend. onReply gets the whole reply object as result.
func (g *Gateway) SendLegacy(ctx context.Context, edgeID, backendID string, obj jsonrpc.LegacyObject, onReply session.ReplyFunc) {
	conn, ok := g.registry.AnyConnection(edgeID)
	if !ok {
		onReply(jsonrpc.NewErrorResponse(backendID, jsonrpc.EdgeNotConnected(edgeID)))
		return
	}
	sess := conn.Session()
	g.send(ctx, conn, edgeID, backendID, obj, onReply, sess.AddLegacyPending, sess.RemoveLegacyPending)
}

func (g *Gateway) send(ctx context.Context, conn registry.Conn, edgeID, id string, frame any, onReply session.ReplyFunc,
	add func(string, session.ReplyFunc) error, remove func(string) (session.ReplyFunc, bool)) {
	reply := trackPending(onReply)
	if err := add(id, reply); err != nil {
		// The connection is closing; it never saw the request.
		onReply(jsonrpc.NewErrorResponse(id, jsonrpc.EdgeNotConnected(edgeID)))
		return
	}
	metrics.PendingReplies.Inc()

	if err := conn.Send(ctx, frame); err != nil {
		g.log.Warn("Failed to send request to edge", zap.String("edge_id", edgeID),
			zap.String("conn_id", conn.ID()), zap.String("request_id", id), zap.Error(err))
		if fn, ok := remove(id); ok {
			fn(jsonrpc.NewErrorResponse(id, jsonrpc.EdgeNotConnected(edgeID)))
		}
	}
}

// trackPending keeps the pending replies gauge in step with the callbacks.
func trackPending(fn session.ReplyFunc) session.ReplyFunc {
	var once sync.Once
	return func(resp *jsonrpc.Response) {
		once.Do(metrics.PendingReplies.Dec)
		fn(resp)
	}
}

// SendNotification writes n to one connection of the edge. Offline edges
// are skipped silently.
func (g *Gateway) SendNotification(ctx context.Context, edgeID string, n *jsonrpc.Notification) error {
	conn, ok := g.registry.AnyConnection(edgeID)
	if !ok {
		g.log.Debug("Dropping notification for offline edge", zap.String("edge_id", edgeID), zap.String("method", n.Method))
		return nil
	}
	return conn.Send(ctx, n)
}

// Broadcast writes frame to every connection of the edge and returns how
// many writes succeeded. Old firmware expects pushed legacy objects on every
// transport.
func (g *Gateway) Broadcast(ctx context.Context, edgeID string, frame any) int {
	sent := 0
	for _, conn := range g.registry.AllConnections(edgeID) {
		if err := conn.Send(ctx, frame); err != nil {
			g.log.Warn("Broadcast to connection failed", zap.String("edge_id", edgeID),
				zap.String("conn_id", conn.ID()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Request sends req and waits for its response. An error response is
// returned as its *jsonrpc.Error. The wait ends with ctx; the core imposes no
// timeout of its own.
func (g *Gateway) Request(ctx context.Context, edgeID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ch := make(chan *jsonrpc.Response, 1)
	sess := g.sendRequest(ctx, edgeID, req, func(resp *jsonrpc.Response) { ch <- resp })
	return wait(ctx, ch, req.ID, sess)
}

// PushLegacy writes a legacy object that expects no reply to every
// connection of the edge. It fails only when no connection took the write.
func (g *Gateway) PushLegacy(ctx context.Context, edgeID string, obj jsonrpc.LegacyObject) error {
	if g.Broadcast(ctx, edgeID, obj) == 0 {
		return jsonrpc.EdgeNotConnected(edgeID)
	}
	return nil
}

func wait(ctx context.Context, ch <-chan *jsonrpc.Response, id string, sess *session.Session) (*jsonrpc.Response, error) {
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		if sess != nil {
			if _, ok := sess.RemovePending(id); ok {
				metrics.PendingReplies.Dec()
			}
		}
		return nil, ctx.Err()
	}
}
