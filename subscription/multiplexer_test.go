package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/metadata"
)

type call struct {
	edgeID    string
	legacy    bool
	mode      string
	backendID string
}

type fakeUpstream struct {
	mu    sync.Mutex
	calls []call
	err   error
	// gate, when set, blocks every request until it is closed.
	gate chan struct{}
}

func (u *fakeUpstream) record(c call) error {
	if u.gate != nil {
		<-u.gate
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, c)
	return u.err
}

func (u *fakeUpstream) Request(_ context.Context, edgeID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var p subscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, err
	}
	mode := "unsubscribe"
	if p.Subscribe {
		mode = "subscribe"
	}
	if err := u.record(call{edgeID: edgeID, mode: mode}); err != nil {
		return nil, err
	}
	return jsonrpc.NewResult(req.ID, nil)
}

func (u *fakeUpstream) PushLegacy(_ context.Context, edgeID string, obj jsonrpc.LegacyObject) error {
	var log struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(obj["log"], &log); err != nil {
		return err
	}
	var mid jsonrpc.MessageID
	if err := json.Unmarshal(obj["messageId"], &mid); err != nil {
		return err
	}
	return u.record(call{edgeID: edgeID, legacy: true, mode: log.Mode, backendID: mid.Backend})
}

func (u *fakeUpstream) snapshot() []call {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]call(nil), u.calls...)
}

func (u *fakeUpstream) count(mode string) int {
	n := 0
	for _, c := range u.snapshot() {
		if c.mode == mode {
			n++
		}
	}
	return n
}

type fakeSink struct {
	mu        sync.Mutex
	delivered map[string][]string
	failing   map[string]bool
}

func newFakeSink(failing ...string) *fakeSink {
	s := &fakeSink{delivered: map[string][]string{}, failing: map[string]bool{}}
	for _, f := range failing {
		s.failing[f] = true
	}
	return s
}

func (s *fakeSink) Deliver(_ context.Context, observer, _ string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[observer] {
		return errors.New("observer gone")
	}
	s.delivered[observer] = append(s.delivered[observer], string(payload))
	return nil
}

type records map[string]metadata.DeviceRecord

func (r records) Record(id string) (metadata.DeviceRecord, bool) {
	rec, ok := r[id]
	return rec, ok
}

func newMux(up Upstream, sink Sink, recs records) *Multiplexer {
	return New(up, sink, recs, metadata.MustParseVersion("2018.8.0"), zap.NewNop())
}

func TestMultiplexer_SubscribeDedup(t *testing.T) {
	up := &fakeUpstream{}
	m := newMux(up, newFakeSink(), nil)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "D1", "u1"))
	require.NoError(t, m.Subscribe(ctx, "D1", "u2"))
	assert.Equal(t, []call{{edgeID: "D1", mode: "subscribe"}}, up.snapshot())
	assert.ElementsMatch(t, []string{"u1", "u2"}, m.Observers("D1"))

	require.NoError(t, m.Unsubscribe(ctx, "D1", "u1"))
	assert.Equal(t, 0, up.count("unsubscribe"))
	require.NoError(t, m.Unsubscribe(ctx, "D1", "u2"))
	assert.Equal(t, 1, up.count("unsubscribe"))
	assert.False(t, m.HasObservers("D1"))

	// Unknown observers cause no traffic.
	require.NoError(t, m.Unsubscribe(ctx, "D1", "u3"))
	assert.Len(t, up.snapshot(), 2)
}

func TestMultiplexer_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	const n = 50
	up := &fakeUpstream{}
	m := newMux(up, newFakeSink(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Subscribe(ctx, "D1", tokenOf(i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, up.count("subscribe"))
	assert.Len(t, m.Observers("D1"), n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Unsubscribe(ctx, "D1", tokenOf(i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, up.count("unsubscribe"))
	assert.False(t, m.HasObservers("D1"))
}

func tokenOf(i int) string {
	return "u" + string(rune('A'+i%26)) + string(rune('a'+i/26))
}

func TestMultiplexer_UpstreamOrder(t *testing.T) {
	up := &fakeUpstream{gate: make(chan struct{})}
	m := newMux(up, newFakeSink(), nil)
	ctx := context.Background()

	subDone := make(chan error)
	go func() { subDone <- m.Subscribe(ctx, "D1", "u1") }()

	// Wait until the subscribe is queued before the unsubscribe.
	require.Eventually(t, func() bool { return m.HasObservers("D1") }, timeout, tick)
	unsubDone := make(chan error)
	go func() { unsubDone <- m.Unsubscribe(ctx, "D1", "u1") }()

	close(up.gate)
	require.NoError(t, <-subDone)
	require.NoError(t, <-unsubDone)
	assert.Equal(t, []call{
		{edgeID: "D1", mode: "subscribe"},
		{edgeID: "D1", mode: "unsubscribe"},
	}, up.snapshot())
}

func TestMultiplexer_LegacyForm(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		wantLegacy bool
	}{
		{name: "old firmware", version: "2018.7.0", wantLegacy: true},
		{name: "threshold", version: "2018.8.0"},
		{name: "snapshot below threshold", version: "2018.8.0-SNAPSHOT", wantLegacy: true},
		{name: "current", version: "2024.1.0"},
		{name: "unknown version", version: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			edge := metadata.NewEdge("D1", "k1", "", metadata.MustParseVersion(tt.version))
			m := newMux(up, newFakeSink(), records{"D1": edge})

			require.NoError(t, m.Subscribe(context.Background(), "D1", "u1"))
			require.NoError(t, m.Unsubscribe(context.Background(), "D1", "u1"))
			calls := up.snapshot()
			require.Len(t, calls, 2)
			assert.Equal(t, "subscribe", calls[0].mode)
			assert.Equal(t, "unsubscribe", calls[1].mode)
			for _, c := range calls {
				assert.Equal(t, tt.wantLegacy, c.legacy)
			}
			if tt.wantLegacy {
				assert.NotEmpty(t, calls[0].backendID)
				// The edge files the subscription under this id.
				assert.Equal(t, calls[0].backendID, calls[1].backendID)
			}
		})
	}
}

func TestMultiplexer_SubscribeFailurePropagates(t *testing.T) {
	up := &fakeUpstream{err: jsonrpc.EdgeNotConnected("D1")}
	m := newMux(up, newFakeSink(), nil)

	err := m.Subscribe(context.Background(), "D1", "u1")
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.ErrCodeEdgeNotConnected, rpcErr.Code)
	// The observer is kept for the resubscribe on reconnect.
	assert.True(t, m.IsSubscribed("D1", "u1"))

	up.err = nil
	require.NoError(t, m.Resubscribe(context.Background(), "D1"))
	assert.Equal(t, 2, up.count("subscribe"))
}

func TestMultiplexer_ResubscribeWithoutObservers(t *testing.T) {
	up := &fakeUpstream{}
	m := newMux(up, newFakeSink(), nil)
	require.NoError(t, m.Resubscribe(context.Background(), "D1"))
	assert.Empty(t, up.snapshot())
}

func TestMultiplexer_FanOutIsolation(t *testing.T) {
	up := &fakeUpstream{}
	sink := newFakeSink("A")
	m := newMux(up, sink, nil)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "D1", "A"))
	require.NoError(t, m.Subscribe(ctx, "D1", "B"))

	m.FanOut(ctx, "D1", json.RawMessage(`{"line":1}`))

	assert.Equal(t, []string{`{"line":1}`}, sink.delivered["B"])
	assert.False(t, m.IsSubscribed("D1", "A"))
	assert.True(t, m.IsSubscribed("D1", "B"))
	assert.Equal(t, 0, up.count("unsubscribe"))
}

func TestMultiplexer_FanOutPruningLastUnsubscribes(t *testing.T) {
	up := &fakeUpstream{}
	m := newMux(up, newFakeSink("A", "B"), nil)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "D1", "A"))
	require.NoError(t, m.Subscribe(ctx, "D1", "B"))

	m.FanOut(ctx, "D1", json.RawMessage(`{}`))
	assert.False(t, m.HasObservers("D1"))
	require.Eventually(t, func() bool { return up.count("unsubscribe") == 1 }, timeout, tick)

	// Nothing left to deliver to.
	m.FanOut(ctx, "D1", json.RawMessage(`{}`))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, up.count("unsubscribe"))
}

func TestMultiplexer_FanOutDoesNotWaitForUnsubscribe(t *testing.T) {
	up := &fakeUpstream{}
	m := newMux(up, newFakeSink("A"), nil)
	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "D1", "A"))

	// The edge answers nothing until the gate opens.
	up.gate = make(chan struct{})
	returned := make(chan struct{})
	go func() {
		m.FanOut(ctx, "D1", json.RawMessage(`{}`))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(timeout):
		t.Fatal("FanOut blocked on the upstream unsubscribe")
	}
	close(up.gate)
	require.Eventually(t, func() bool { return up.count("unsubscribe") == 1 }, timeout, tick)
}

func TestMultiplexer_UpstreamTimeout(t *testing.T) {
	up := &blockingUpstream{}
	m := newMux(up, newFakeSink(), nil)
	m.upstreamTimeout = 20 * time.Millisecond

	err := m.Subscribe(context.Background(), "D1", "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The queue is free again for the next request.
	err = m.Unsubscribe(context.Background(), "D1", "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMultiplexer_LegacyResubscribeKeepsID(t *testing.T) {
	up := &fakeUpstream{}
	edge := metadata.NewEdge("D1", "k1", "", metadata.MustParseVersion("2018.1.0"))
	m := newMux(up, newFakeSink(), records{"D1": edge})
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "D1", "u1"))
	require.NoError(t, m.Resubscribe(ctx, "D1"))
	require.NoError(t, m.Unsubscribe(ctx, "D1", "u1"))
	require.NoError(t, m.Subscribe(ctx, "D1", "u2"))

	calls := up.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, calls[0].backendID, calls[1].backendID)
	assert.Equal(t, calls[0].backendID, calls[2].backendID)
	// A fresh subscription gets a fresh id.
	assert.NotEqual(t, calls[0].backendID, calls[3].backendID)
}

// blockingUpstream never answers.
type blockingUpstream struct{}

func (blockingUpstream) Request(ctx context.Context, _ string, _ *jsonrpc.Request) (*jsonrpc.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingUpstream) PushLegacy(ctx context.Context, _ string, _ jsonrpc.LegacyObject) error {
	<-ctx.Done()
	return ctx.Err()
}

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)
