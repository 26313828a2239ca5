// Package protocol routes the frames read from an edge connection to the
// registered handlers and to the session's pending replies.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/metadata"
	"github.com/abdelmounim-dev/edge-gateway/metrics"
	"github.com/abdelmounim-dev/edge-gateway/registry"
)

// ErrNotAuthenticated is returned by Dispatch for frames on a connection
// whose handshake has not completed. The connection must be closed.
var ErrNotAuthenticated = errors.New("frame received before authentication")

// RequestHandler answers a request from an edge. A returned *jsonrpc.Error is
// sent as-is; any other error is sent as an internal error.
type RequestHandler func(ctx context.Context, edgeID string, req *jsonrpc.Request) (any, error)

// NotificationHandler consumes a notification from an edge.
type NotificationHandler func(ctx context.Context, edgeID string, n *jsonrpc.Notification)

// RecordSource returns the device record of a connected edge.
type RecordSource interface {
	Record(edgeID string) (metadata.DeviceRecord, bool)
}

// Dispatcher is shared by all connections. Dispatch must be called from a
// single goroutine per connection so frames are handled in arrival order.
type Dispatcher struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler

	records RecordSource
	now     func() time.Time
	log     *zap.Logger
}

func NewDispatcher(records RecordSource, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		records:       records,
		now:           time.Now,
		log:           log,
	}
}

// HandleRequest registers h for method, replacing any previous handler.
func (d *Dispatcher) HandleRequest(method string, h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests[method] = h
}

// HandleNotification registers h for method, replacing any previous handler.
func (d *Dispatcher) HandleNotification(method string, h NotificationHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifications[method] = h
}

func (d *Dispatcher) requestHandler(method string) (RequestHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.requests[method]
	return h, ok
}

func (d *Dispatcher) notificationHandler(method string) (NotificationHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.notifications[method]
	return h, ok
}

// Dispatch handles one inbound payload of conn. Malformed payloads are logged
// and skipped; malformed requests get an invalid request answer. The only error returned is ErrNotAuthenticated, plus failures
// to write a response; both mean the connection should be closed.
func (d *Dispatcher) Dispatch(ctx context.Context, conn registry.Conn, data []byte) error {
	sess := conn.Session()
	edgeID, ok := sess.EdgeID()
	if !ok || !sess.IsAuthenticated() {
		metrics.FramesReceived.WithLabelValues("unauthenticated").Inc()
		return ErrNotAuthenticated
	}
	log := d.log.With(zap.String("edge_id", edgeID), zap.String("conn_id", conn.ID()))

	d.touch(edgeID)

	frame, err := jsonrpc.Parse(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		if errors.Is(err, jsonrpc.ErrInvalidRequest) {
			// The id could not be read, so the answer carries a null id.
			log.Info("Rejecting invalid request", zap.Error(err))
			resp := jsonrpc.NewErrorResponse("", &jsonrpc.Error{Code: jsonrpc.ErrCodeInvalidRequest, Message: err.Error()})
			resp.RawID = json.RawMessage("null")
			if err := conn.Send(ctx, resp); err != nil {
				return fmt.Errorf("send invalid request answer: %w", err)
			}
			return nil
		}
		log.Warn("Discarding malformed frame", zap.Error(err))
		return nil
	}
	return d.dispatchFrame(ctx, conn, edgeID, frame, log)
}

func (d *Dispatcher) dispatchFrame(ctx context.Context, conn registry.Conn, edgeID string, frame jsonrpc.Frame, log *zap.Logger) error {
	switch f := frame.(type) {
	case *jsonrpc.Response:
		metrics.FramesReceived.WithLabelValues("response").Inc()
		if !conn.Session().Resolve(f) {
			log.Debug("Discarding response without pending request", zap.String("request_id", f.ID))
		}
		return nil

	case *jsonrpc.Request:
		metrics.FramesReceived.WithLabelValues("request").Inc()
		return d.handleRequest(ctx, conn, edgeID, f, log)

	case *jsonrpc.Notification:
		metrics.FramesReceived.WithLabelValues("notification").Inc()
		d.handleNotification(ctx, edgeID, f, log)
		return nil

	case jsonrpc.LegacyObject:
		metrics.FramesReceived.WithLabelValues("legacy").Inc()
		t := f.Translate()
		if t.Reply != nil && conn.Session().ResolveLegacy(t.Reply) {
			return nil
		}
		if t.Frame == nil {
			log.Debug("Discarding legacy reply without pending request",
				zap.String("request_id", t.Reply.MessageID.Backend))
			return nil
		}
		return d.dispatchFrame(ctx, conn, edgeID, t.Frame, log)
	}
	return fmt.Errorf("unhandled frame type %T", frame)
}

func (d *Dispatcher) handleRequest(ctx context.Context, conn registry.Conn, edgeID string, req *jsonrpc.Request, log *zap.Logger) error {
	var resp *jsonrpc.Response
	h, ok := d.requestHandler(req.Method)
	if !ok {
		log.Info("No handler for request", zap.String("method", req.Method), zap.String("request_id", req.ID))
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.UnknownMethod(req.Method))
	} else {
		resp = d.invoke(ctx, h, edgeID, req, log)
	}

	if err := conn.Send(ctx, resp.Answers(req)); err != nil {
		return fmt.Errorf("send response to %s: %w", req.ID, err)
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, h RequestHandler, edgeID string, req *jsonrpc.Request, log *zap.Logger) *jsonrpc.Response {
	result, err := h(ctx, edgeID, req)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = jsonrpc.Internal(err)
		}
		log.Debug("Request handler failed", zap.String("method", req.Method),
			zap.String("request_id", req.ID), zap.Error(err))
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}

	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		log.Error("Failed to encode handler result", zap.String("method", req.Method), zap.Error(err))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.Internal(err))
	}
	return resp
}

func (d *Dispatcher) handleNotification(ctx context.Context, edgeID string, n *jsonrpc.Notification, log *zap.Logger) {
	h, ok := d.notificationHandler(n.Method)
	if !ok {
		log.Debug("No handler for notification", zap.String("method", n.Method))
		return
	}
	h(ctx, edgeID, n)
}

func (d *Dispatcher) touch(edgeID string) {
	if d.records == nil {
		return
	}
	if rec, ok := d.records.Record(edgeID); ok {
		rec.SetLastContact(d.now())
	}
}
