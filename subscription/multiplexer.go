// Package subscription shares one upstream system log subscription of an
// edge between any number of observers.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/metadata"
	"github.com/abdelmounim-dev/edge-gateway/metrics"
)

// ErrDeliveryFailure wraps errors returned by a Sink.
var ErrDeliveryFailure = errors.New("observer delivery failed")

// Sink delivers stream payloads to observers.
type Sink interface {
	Deliver(ctx context.Context, observer, edgeID string, payload json.RawMessage) error
}

// Upstream sends (un)subscribe requests to edges. Request waits for the
// edge's answer; legacy edges never answer a log subscription, so PushLegacy
// only writes.
type Upstream interface {
	Request(ctx context.Context, edgeID string, req *jsonrpc.Request) (*jsonrpc.Response, error)
	PushLegacy(ctx context.Context, edgeID string, obj jsonrpc.LegacyObject) error
}

const defaultUpstreamTimeout = 30 * time.Second

// RecordSource returns the device record of an edge, used for its version.
type RecordSource interface {
	Record(edgeID string) (metadata.DeviceRecord, bool)
}

type subscribeParams struct {
	Subscribe bool `json:"subscribe"`
}

// Multiplexer keeps the observer table. Only the first subscribe and the last
// unsubscribe of an edge reach the edge; those upstream requests are sent in
// the order the table changed, one at a time per edge, outside the table lock.
type Multiplexer struct {
	mu        sync.Mutex
	observers sets
	tails     map[string]chan struct{} // edgeID -> completion of the last queued upstream request
	// legacyIDs holds the messageId.backend a legacy edge files our
	// subscription under; the unsubscribe must repeat it.
	legacyIDs map[string]string

	upstream        Upstream
	upstreamTimeout time.Duration
	sink            Sink
	records         RecordSource
	legacyVersion   metadata.Version
	log             *zap.Logger
}

// New creates a multiplexer. Edges whose recorded version is below
// legacyVersion get the legacy (un)subscribe form; unknown versions count
// as current.
func New(upstream Upstream, sink Sink, records RecordSource, legacyVersion metadata.Version, log *zap.Logger) *Multiplexer {
	return &Multiplexer{
		observers:     make(sets),
		tails:           make(map[string]chan struct{}),
		legacyIDs:       make(map[string]string),
		upstream:        upstream,
		upstreamTimeout: defaultUpstreamTimeout,
		sink:            sink,
		records:         records,
		legacyVersion:   legacyVersion,
		log:             log,
	}
}

// Subscribe adds observer to the edge's stream. The observer stays recorded
// even when the upstream subscribe fails, so a later reconnect of the edge
// resubscribes it.
func (m *Multiplexer) Subscribe(ctx context.Context, edgeID, observer string) error {
	m.mu.Lock()
	first := m.observers.add(edgeID, observer)
	var prev, done chan struct{}
	if first {
		prev, done = m.enqueueLocked(edgeID)
	}
	m.mu.Unlock()

	if !first {
		return nil
	}
	return m.runUpstream(ctx, edgeID, true, prev, done)
}

// Unsubscribe removes observer. Unknown observers are ignored.
func (m *Multiplexer) Unsubscribe(ctx context.Context, edgeID, observer string) error {
	m.mu.Lock()
	_, emptied := m.observers.remove(edgeID, observer)
	var prev, done chan struct{}
	if emptied {
		prev, done = m.enqueueLocked(edgeID)
	}
	m.mu.Unlock()

	if !emptied {
		return nil
	}
	return m.runUpstream(ctx, edgeID, false, prev, done)
}

// FanOut delivers payload to every observer of the edge. Observers that fail
// are dropped; dropping the last one unsubscribes upstream in the background,
// since FanOut runs on the edge's read loop and the answer arrives there.
func (m *Multiplexer) FanOut(ctx context.Context, edgeID string, payload json.RawMessage) {
	m.mu.Lock()
	observers := m.observers.members(edgeID)
	m.mu.Unlock()

	var failed []string
	for _, o := range observers {
		if err := m.sink.Deliver(ctx, o, edgeID, payload); err != nil {
			m.log.Info("Pruning observer", zap.String("edge_id", edgeID), zap.String("observer", o),
				zap.Error(fmt.Errorf("%w: %v", ErrDeliveryFailure, err)))
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return
	}

	m.mu.Lock()
	emptied := false
	for _, o := range failed {
		removed, e := m.observers.remove(edgeID, o)
		if removed {
			metrics.ObserverPrunes.Inc()
		}
		emptied = emptied || e
	}
	var prev, done chan struct{}
	if emptied {
		prev, done = m.enqueueLocked(edgeID)
	}
	m.mu.Unlock()

	if emptied {
		go func() {
			if err := m.runUpstream(ctx, edgeID, false, prev, done); err != nil {
				m.log.Warn("Unsubscribe after pruning failed", zap.String("edge_id", edgeID), zap.Error(err))
			}
		}()
	}
}

// Resubscribe repeats the upstream subscribe for an edge that still has
// observers, e.g. after it reconnected.
func (m *Multiplexer) Resubscribe(ctx context.Context, edgeID string) error {
	m.mu.Lock()
	if !m.observers.has(edgeID) {
		m.mu.Unlock()
		return nil
	}
	prev, done := m.enqueueLocked(edgeID)
	m.mu.Unlock()

	return m.runUpstream(ctx, edgeID, true, prev, done)
}

// HasObservers reports whether anyone is subscribed to the edge.
func (m *Multiplexer) HasObservers(edgeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers.has(edgeID)
}

// IsSubscribed reports whether observer is subscribed to the edge.
func (m *Multiplexer) IsSubscribed(edgeID, observer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers.contains(edgeID, observer)
}

// Observers returns a snapshot of the edge's observers.
func (m *Multiplexer) Observers(edgeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers.members(edgeID)
}

// enqueueLocked queues an upstream request behind the previous one of the edge.
func (m *Multiplexer) enqueueLocked(edgeID string) (prev, done chan struct{}) {
	prev = m.tails[edgeID]
	done = make(chan struct{})
	m.tails[edgeID] = done
	return prev, done
}

func (m *Multiplexer) runUpstream(ctx context.Context, edgeID string, subscribe bool, prev, done chan struct{}) error {
	defer func() {
		close(done)
		m.mu.Lock()
		if m.tails[edgeID] == done {
			delete(m.tails, edgeID)
		}
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.upstreamTimeout)
	defer cancel()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	direction := "unsubscribe"
	if subscribe {
		direction = "subscribe"
	}
	metrics.SubscriptionRequests.WithLabelValues(direction).Inc()
	m.log.Debug("Forwarding system log "+direction, zap.String("edge_id", edgeID))

	if m.isLegacy(edgeID) {
		obj := jsonrpc.NewLegacyLogRequest(m.legacyID(edgeID, subscribe), direction)
		return m.upstream.PushLegacy(ctx, edgeID, obj)
	}

	req, err := jsonrpc.NewRequest(jsonrpc.MethodSubscribeSystemLog, subscribeParams{Subscribe: subscribe})
	if err != nil {
		return err
	}
	_, err = m.upstream.Request(ctx, edgeID, req)
	return err
}

// legacyID returns the backend id of the edge's legacy subscription. The
// unsubscribe consumes it.
func (m *Multiplexer) legacyID(edgeID string, subscribe bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.legacyIDs[edgeID]
	if !ok {
		id = uuid.NewString()
	}
	if subscribe {
		m.legacyIDs[edgeID] = id
	} else {
		delete(m.legacyIDs, edgeID)
	}
	return id
}

func (m *Multiplexer) isLegacy(edgeID string) bool {
	if m.records == nil || m.legacyVersion.IsZero() {
		return false
	}
	rec, ok := m.records.Record(edgeID)
	if !ok {
		return false
	}
	v := rec.Version()
	return !v.IsZero() && v.Less(m.legacyVersion)
}
