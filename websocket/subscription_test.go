package websocket

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
)

// readFrame reads the next frame the gateway sent to the edge end of conn.
func readFrame(t *testing.T, conn *websocket.Conn) jsonrpc.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := jsonrpc.Parse(raw)
	require.NoError(t, err)
	return frame
}

func subscribeFlag(t *testing.T, req *jsonrpc.Request) bool {
	t.Helper()
	var p struct {
		Subscribe bool `json:"subscribe"`
	}
	require.NoError(t, json.Unmarshal(req.Params, &p))
	return p.Subscribe
}

func legacyLog(t *testing.T, frame jsonrpc.Frame) (backendID, mode string) {
	t.Helper()
	obj, ok := frame.(jsonrpc.LegacyObject)
	require.True(t, ok, "want a legacy object, got %T", frame)
	var mid jsonrpc.MessageID
	require.NoError(t, json.Unmarshal(obj["messageId"], &mid))
	var log struct {
		Mode string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(obj["log"], &log))
	return mid.Backend, log.Mode
}

func TestHandler_PruningLastObserverKeepsReadLoopFree(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, url.Values{"apikey": {"k1"}})
	require.Eventually(t, func() bool { return s.registry.IsOnline("edge0") }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	subscribed := make(chan error, 1)
	go func() { subscribed <- s.mux.Subscribe(ctx, "edge0", "u1") }()

	sub, ok := readFrame(t, conn).(*jsonrpc.Request)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.MethodSubscribeSystemLog, sub.Method)
	assert.True(t, subscribeFlag(t, sub))
	resp, err := jsonrpc.NewResult(sub.ID, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(resp))
	require.NoError(t, <-subscribed)

	// The only observer is gone: this log line prunes it, which unsubscribes
	// upstream. The edge keeps talking before answering that unsubscribe.
	s.sink.failing.Store(true)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"systemLog","params":{"message":"x"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":"r2","method":"nope"}`)))

	var unsub *jsonrpc.Request
	answered := false
	for i := 0; i < 2; i++ {
		switch f := readFrame(t, conn).(type) {
		case *jsonrpc.Request:
			unsub = f
		case *jsonrpc.Response:
			assert.Equal(t, "r2", f.ID)
			answered = true
		default:
			t.Fatalf("unexpected frame %T", f)
		}
	}
	assert.True(t, answered, "read loop did not answer r2")
	require.NotNil(t, unsub)
	assert.Equal(t, jsonrpc.MethodSubscribeSystemLog, unsub.Method)
	assert.False(t, subscribeFlag(t, unsub))
	assert.False(t, s.mux.HasObservers("edge0"))

	resp, err = jsonrpc.NewResult(unsub.ID, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(resp))
	assert.True(t, s.registry.IsOnline("edge0"))
}

func TestHandler_LegacySubscriptionRoundTrip(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, url.Values{"apikey": {"k-old"}})
	require.Eventually(t, func() bool { return s.registry.IsOnline("edge-old") }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	// Old firmware never answers a log subscription; the write is the outcome.
	require.NoError(t, s.mux.Subscribe(ctx, "edge-old", "u1"))
	backendID, mode := legacyLog(t, readFrame(t, conn))
	require.NotEmpty(t, backendID)
	assert.Equal(t, "subscribe", mode)

	// The edge pushes its log lines under the subscription's messageId.
	for _, msg := range []string{"first", "second"} {
		line := `{"messageId":{"backend":"` + backendID + `"},"log":{"time":1,"level":"INFO","message":"` + msg + `"}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(line)))
	}
	require.Eventually(t, func() bool { return len(s.sink.payloads("u1")) == 2 }, waitFor, tick)
	got := s.sink.payloads("u1")
	assert.JSONEq(t, `{"time":1,"level":"INFO","message":"first"}`, got[0])
	assert.JSONEq(t, `{"time":1,"level":"INFO","message":"second"}`, got[1])

	require.NoError(t, s.mux.Unsubscribe(ctx, "edge-old", "u1"))
	unsubID, mode := legacyLog(t, readFrame(t, conn))
	assert.Equal(t, backendID, unsubID)
	assert.Equal(t, "unsubscribe", mode)

	// The queue for the edge is free: a new observer subscribes at once.
	require.NoError(t, s.mux.Subscribe(ctx, "edge-old", "u2"))
	_, mode = legacyLog(t, readFrame(t, conn))
	assert.Equal(t, "subscribe", mode)
}
