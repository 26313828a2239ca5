package metadata

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps edges in process memory. It backs development setups and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	edges    map[string]*Edge
	byAPIKey map[string]string
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		edges:    make(map[string]*Edge),
		byAPIKey: make(map[string]string),
	}
}

// Add registers an edge with its api key, replacing any edge with the same id.
func (s *MemoryStore) Add(e *Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.edges[e.id]; ok {
		delete(s.byAPIKey, old.apikey)
	}
	s.edges[e.id] = e
	if e.apikey != "" {
		s.byAPIKey[e.apikey] = e.id
	}
}

func (s *MemoryStore) ResolveDeviceForCredential(_ context.Context, credential string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	id, ok := s.byAPIKey[credential]
	return id, ok, nil
}

func (s *MemoryStore) RegisterDevice(_ context.Context, credential, hardwareID, version string) (string, bool, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return "", false, fmt.Errorf("register device: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	if id, ok := s.byAPIKey[credential]; ok {
		return id, true, nil
	}
	id := "edge-" + uuid.NewString()
	s.edges[id] = NewEdge(id, credential, hardwareID, v)
	s.byAPIKey[credential] = id
	return id, true, nil
}

func (s *MemoryStore) LookupDevice(_ context.Context, edgeID string) (DeviceRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	e, ok := s.edges[edgeID]
	if !ok {
		return nil, false, nil
	}
	return e, true, nil
}

func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
