package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func recordKey(connID string) string {
	return fmt.Sprintf("session:%s", connID)
}

func edgeKey(edgeID string) string {
	return fmt.Sprintf("edge:%s:sessions", edgeID)
}

// Create stores a new record in Redis with a TTL and indexes it by edge.
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(record.ConnID), data, s.ttl)
		pipe.SAdd(ctx, edgeKey(record.EdgeID), record.ConnID)
		pipe.Expire(ctx, edgeKey(record.EdgeID), s.ttl)
		return nil
	})
	return err
}

// Get retrieves a record from Redis.
func (s *RedisStore) Get(ctx context.Context, connID string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKey(connID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Not found is not an error, just means no record
		}
		return nil, err
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &record, nil
}

// ListByEdge resolves the edge index, dropping ids whose record expired.
func (s *RedisStore) ListByEdge(ctx context.Context, edgeID string) ([]*Record, error) {
	connIDs, err := s.client.SMembers(ctx, edgeKey(edgeID)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(connIDs))
	for _, connID := range connIDs {
		record, err := s.Get(ctx, connID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			s.client.SRem(ctx, edgeKey(edgeID), connID)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Delete removes a record from Redis.
func (s *RedisStore) Delete(ctx context.Context, record *Record) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(record.ConnID))
		pipe.SRem(ctx, edgeKey(record.EdgeID), record.ConnID)
		return nil
	})
	return err
}

// RefreshTTL updates the expiration time of a record and its edge index.
func (s *RedisStore) RefreshTTL(ctx context.Context, record *Record) error {
	// Expire on a missing key is a no-op which is fine.
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, recordKey(record.ConnID), s.ttl)
		pipe.Expire(ctx, edgeKey(record.EdgeID), s.ttl)
		return nil
	})
	return err
}
