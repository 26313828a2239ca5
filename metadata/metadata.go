// Package metadata holds the device registry the gateway consults during the
// handshake: credential resolution, auto-provisioning and per-edge records.
package metadata

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStoreClosed = errors.New("metadata store closed")

// IdentityResolver maps a presented credential to an edge id.
type IdentityResolver interface {
	// ResolveDeviceForCredential returns ok=false when no edge owns the credential.
	ResolveDeviceForCredential(ctx context.Context, credential string) (edgeID string, ok bool, err error)
	// RegisterDevice provisions a new edge for an unknown credential.
	RegisterDevice(ctx context.Context, credential, hardwareID, version string) (edgeID string, ok bool, err error)
}

// DeviceStore looks up edge records.
type DeviceStore interface {
	LookupDevice(ctx context.Context, edgeID string) (DeviceRecord, bool, error)
}

// DeviceRecord is the mutable view of one edge. Setters only touch memory;
// stores persist changes asynchronously so they are safe to call while
// holding gateway locks.
type DeviceRecord interface {
	ID() string
	IsOnline() bool
	SetOnline(online bool)
	LastContact() time.Time
	SetLastContact(t time.Time)
	Version() Version
	SetVersion(v Version)
}

// Store is what the gateway needs from a metadata backend.
type Store interface {
	IdentityResolver
	DeviceStore
	Close(ctx context.Context) error
}

// Edge is the DeviceRecord implementation shared by the stores.
type Edge struct {
	mu          sync.RWMutex
	id          string
	apikey      string
	hardwareID  string
	version     Version
	online      bool
	lastContact time.Time
	dirty       bool
}

func NewEdge(id, apikey, hardwareID string, version Version) *Edge {
	return &Edge{id: id, apikey: apikey, hardwareID: hardwareID, version: version}
}

func (e *Edge) ID() string { return e.id }

func (e *Edge) APIKey() string { return e.apikey }

func (e *Edge) HardwareID() string { return e.hardwareID }

func (e *Edge) IsOnline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online
}

func (e *Edge) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.online != online {
		e.online = online
		e.dirty = true
	}
}

func (e *Edge) LastContact() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastContact
}

func (e *Edge) SetLastContact(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.After(e.lastContact) {
		e.lastContact = t
		e.dirty = true
	}
}

func (e *Edge) Version() Version {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func (e *Edge) SetVersion(v Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.version != v {
		e.version = v
		e.dirty = true
	}
}

// edgeState is a consistent copy of the persisted fields.
type edgeState struct {
	Online      bool
	LastContact time.Time
	Version     Version
}

// takeDirty returns the current state and clears the dirty flag.
func (e *Edge) takeDirty() (edgeState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := edgeState{Online: e.online, LastContact: e.lastContact, Version: e.version}
	wasDirty := e.dirty
	e.dirty = false
	return st, wasDirty
}

func (e *Edge) isDirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

func (e *Edge) markDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}
