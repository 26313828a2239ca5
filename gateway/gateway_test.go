package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/registry"
	"github.com/abdelmounim-dev/edge-gateway/session"
)

type fakeConn struct {
	id   string
	sess *session.Session

	mu      sync.Mutex
	sent    []any
	sendErr error
	onSend  func(frame any)
}

func newFakeConn(t *testing.T, id, edgeID string) *fakeConn {
	t.Helper()
	c := &fakeConn{id: id, sess: session.New(id)}
	require.NoError(t, c.sess.Authenticate(edgeID, "k-"+edgeID))
	return c
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Session() *session.Session { return c.sess }

func (c *fakeConn) Send(_ context.Context, frame any) error {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newGateway() (*Gateway, *registry.Registry) {
	reg := registry.New(nil, zap.NewNop())
	return New(reg, zap.NewNop()), reg
}

func mustRequest(t *testing.T, method string) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(method, nil)
	require.NoError(t, err)
	return req
}

func TestSendRequest_OfflineFastPath(t *testing.T) {
	g, _ := newGateway()
	req := mustRequest(t, "getEdgeConfig")

	var got *jsonrpc.Response
	g.SendRequest(context.Background(), "D2", req, func(resp *jsonrpc.Response) { got = resp })

	// The callback ran before SendRequest returned.
	require.NotNil(t, got)
	assert.Equal(t, req.ID, got.ID)
	require.NotNil(t, got.Error)
	assert.Equal(t, jsonrpc.ErrCodeEdgeNotConnected, got.Error.Code)
}

func TestSendRequest_ResolvedByResponse(t *testing.T) {
	g, reg := newGateway()
	conn := newFakeConn(t, "c1", "D1")
	reg.Register("D1", conn)
	req := mustRequest(t, "getEdgeConfig")

	calls := 0
	g.SendRequest(context.Background(), "D1", req, func(*jsonrpc.Response) { calls++ })
	assert.Equal(t, 1, conn.sentCount())
	assert.Equal(t, 1, conn.sess.PendingCount())
	assert.Equal(t, 0, calls)

	resp, err := jsonrpc.NewResult(req.ID, map[string]int{"v": 1})
	require.NoError(t, err)
	assert.True(t, conn.sess.Resolve(resp))
	assert.Equal(t, 1, calls)

	// Closing afterwards does not resolve it again.
	assert.Equal(t, 0, conn.sess.Close())
	assert.Equal(t, 1, calls)
}

func TestSendRequest_ResolvedOnClose(t *testing.T) {
	g, reg := newGateway()
	conn := newFakeConn(t, "c1", "D1")
	reg.Register("D1", conn)
	req := mustRequest(t, "getEdgeConfig")

	var got *jsonrpc.Response
	g.SendRequest(context.Background(), "D1", req, func(resp *jsonrpc.Response) { got = resp })
	reg.Deregister("D1", conn)
	conn.sess.Close()

	assert.False(t, g.IsOnline("D1"))
	require.NotNil(t, got)
	assert.Equal(t, jsonrpc.ErrCodeNotConnectedOnClose, got.Error.Code)
}

func TestSendRequest_WriteFailure(t *testing.T) {
	g, reg := newGateway()
	conn := newFakeConn(t, "c1", "D1")
	conn.sendErr = errors.New("broken pipe")
	reg.Register("D1", conn)
	req := mustRequest(t, "getEdgeConfig")

	calls := 0
	var got *jsonrpc.Response
	g.SendRequest(context.Background(), "D1", req, func(resp *jsonrpc.Response) {
		calls++
		got = resp
	})
	require.Equal(t, 1, calls)
	assert.Equal(t, jsonrpc.ErrCodeEdgeNotConnected, got.Error.Code)
	assert.Equal(t, 0, conn.sess.PendingCount())
}

func TestSendRequest_ClosedSession(t *testing.T) {
	g, reg := newGateway()
	conn := newFakeConn(t, "c1", "D1")
	reg.Register("D1", conn)
	conn.sess.Close()

	var got *jsonrpc.Response
	g.SendRequest(context.Background(), "D1", mustRequest(t, "x"), func(resp *jsonrpc.Response) { got = resp })
	require.NotNil(t, got)
	assert.Equal(t, jsonrpc.ErrCodeEdgeNotConnected, got.Error.Code)
	assert.Equal(t, 0, conn.sentCount())
}

func TestSendNotification(t *testing.T) {
	g, reg := newGateway()
	n, err := jsonrpc.NewNotification("edgeRpc", nil)
	require.NoError(t, err)

	// Offline is a silent no-op.
	require.NoError(t, g.SendNotification(context.Background(), "D1", n))

	c1, c2 := newFakeConn(t, "c1", "D1"), newFakeConn(t, "c2", "D1")
	reg.Register("D1", c1)
	reg.Register("D1", c2)
	require.NoError(t, g.SendNotification(context.Background(), "D1", n))
	assert.Equal(t, 1, c1.sentCount()+c2.sentCount())
}

func TestBroadcast(t *testing.T) {
	g, reg := newGateway()
	c1, c2 := newFakeConn(t, "c1", "D1"), newFakeConn(t, "c2", "D1")
	c2.sendErr = errors.New("gone")
	reg.Register("D1", c1)
	reg.Register("D1", c2)

	assert.Equal(t, 1, g.Broadcast(context.Background(), "D1", jsonrpc.LegacyObject{}))
	assert.Equal(t, 1, c1.sentCount())
	assert.Equal(t, 0, g.Broadcast(context.Background(), "nobody", jsonrpc.LegacyObject{}))
}

func TestRequest_Blocking(t *testing.T) {
	g, reg := newGateway()
	conn := newFakeConn(t, "c1", "D1")
	conn.onSend = func(frame any) {
		req := frame.(*jsonrpc.Request)
		go func() {
			resp, _ := jsonrpc.NewResult(req.ID, "pong")
			conn.sess.Resolve(resp)
		}()
	}
	reg.Register("D1", conn)

	resp, err := g.Request(context.Background(), "D1", mustRequest(t, "ping"))
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(resp.Result))
}

func TestRequest_ErrorResponse(t *testing.T) {
	g, _ := newGateway()
	_, err := g.Request(context.Background(), "D1", mustRequest(t, "ping"))
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.ErrCodeEdgeNotConnected, rpcErr.Code)
}

func TestRequest_ContextCancelled(t *testing.T) {
	g, reg := newGateway()
	conn := newFakeConn(t, "c1", "D1")
	reg.Register("D1", conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Request(ctx, "D1", mustRequest(t, "ping"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, conn.sess.PendingCount())
}

func TestSendLegacy_ResolvedByMessageID(t *testing.T) {
	g, reg := newGateway()
	conn := newFakeConn(t, "c1", "D1")
	conn.onSend = func(frame any) {
		go conn.sess.ResolveLegacy(&jsonrpc.LegacyReply{
			MessageID: jsonrpc.MessageID{Backend: "b1"},
			Payload:   []byte(`{"messageId":{"backend":"b1"},"system":{"output":"ok"}}`),
		})
	}
	reg.Register("D1", conn)

	got := make(chan *jsonrpc.Response, 1)
	g.SendLegacy(context.Background(), "D1", "b1", jsonrpc.LegacyObject{"system": []byte(`{"mode":"execute"}`)},
		func(resp *jsonrpc.Response) { got <- resp })

	select {
	case resp := <-got:
		assert.Equal(t, "b1", resp.ID)
		assert.Nil(t, resp.Error)
	case <-time.After(time.Second):
		t.Fatal("legacy reply not delivered")
	}
}

func TestSendLegacy_Offline(t *testing.T) {
	g, _ := newGateway()
	var got *jsonrpc.Response
	g.SendLegacy(context.Background(), "D1", "b1", jsonrpc.LegacyObject{}, func(resp *jsonrpc.Response) { got = resp })
	require.NotNil(t, got)
	require.NotNil(t, got.Error)
	assert.Equal(t, jsonrpc.ErrCodeEdgeNotConnected, got.Error.Code)
}

func TestPushLegacy(t *testing.T) {
	g, reg := newGateway()
	obj := jsonrpc.NewLegacyLogRequest("b1", "subscribe")

	err := g.PushLegacy(context.Background(), "D1", obj)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.ErrCodeEdgeNotConnected, rpcErr.Code)

	c1, c2 := newFakeConn(t, "c1", "D1"), newFakeConn(t, "c2", "D1")
	reg.Register("D1", c1)
	reg.Register("D1", c2)
	require.NoError(t, g.PushLegacy(context.Background(), "D1", obj))
	assert.Equal(t, 1, c1.sentCount())
	assert.Equal(t, 1, c2.sentCount())
	// Nothing waits for an answer.
	assert.Equal(t, 0, c1.sess.PendingCount())

	c1.sendErr = errors.New("broken pipe")
	c2.sendErr = errors.New("broken pipe")
	assert.Error(t, g.PushLegacy(context.Background(), "D1", obj))
}
