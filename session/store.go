package session

import (
	"context"
	"time"
)

// Record holds metadata about an authenticated edge connection.
// This is the data that will be stored in a persistent store like Redis, so
// other gateway instances and backend services can see where an edge is
// connected.
type Record struct {
	ConnID      string    `json:"conn_id"`
	EdgeID      string    `json:"edge_id"`
	ServerID    string    `json:"server_id"` // ID of the gateway instance handling the connection
	ConnectedAt time.Time `json:"connected_at"`
}

// Store defines the interface for connection record management.
type Store interface {
	// Create stores a new record.
	Create(ctx context.Context, record *Record) error
	// Get retrieves a record by connection ID.
	Get(ctx context.Context, connID string) (*Record, error)
	// ListByEdge returns the records of every live connection of an edge.
	ListByEdge(ctx context.Context, edgeID string) ([]*Record, error)
	// Delete removes a record.
	Delete(ctx context.Context, record *Record) error
	// RefreshTTL extends the record's lifetime in the store.
	RefreshTTL(ctx context.Context, record *Record) error
}
