package session

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory for single-instance setups
// without Redis. Records never expire.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ConnID] = *record
	return nil
}

func (s *MemoryStore) Get(_ context.Context, connID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[connID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) ListByEdge(_ context.Context, edgeID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.EdgeID == edgeID {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, record.ConnID)
	return nil
}

func (s *MemoryStore) RefreshTTL(context.Context, *Record) error { return nil }
