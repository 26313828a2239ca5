package metadata

import (
	"sync"
	"time"
)

// Presence mirrors connection registry transitions onto device records. The
// handshake hands it the record before registering the connection, so the
// callbacks never have to reach the store.
type Presence struct {
	mu      sync.Mutex
	records map[string]DeviceRecord
	now     func() time.Time
}

func NewPresence() *Presence {
	return &Presence{records: make(map[string]DeviceRecord), now: time.Now}
}

// Track remembers the record used for the edge's next transitions.
func (p *Presence) Track(rec DeviceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[rec.ID()] = rec
}

// Record returns the tracked record of an edge.
func (p *Presence) Record(edgeID string) (DeviceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[edgeID]
	return rec, ok
}

func (p *Presence) EdgeOnline(edgeID string) {
	if rec, ok := p.Record(edgeID); ok {
		rec.SetOnline(true)
		rec.SetLastContact(p.now())
	}
}

func (p *Presence) EdgeOffline(edgeID string) {
	if rec, ok := p.Record(edgeID); ok {
		rec.SetOnline(false)
	}
}
