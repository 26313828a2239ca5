// Package broker connects the gateway to the rest of the backend through a
// message broker. Redis pub/sub, Kafka and NATS are supported.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/config"
)

var ErrClosed = errors.New("broker is closed")

// Message is the envelope of everything exchanged over the broker.
type Message struct {
	// EdgeID is also the partition key where the broker has partitions.
	EdgeID   string          `json:"edge_id"`
	ServerID string          `json:"server_id,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

const maxKindLabel = 32

// kindLabel bounds the kind metric label: kinds arriving from the broker are
// not under this process's control.
func kindLabel(kind string) string {
	if kind == "" {
		return "none"
	}
	if len(kind) > maxKindLabel {
		return "other"
	}
	for _, r := range kind {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && r != '_' && r != '.' {
			return "other"
		}
	}
	return kind
}

// MessageBroker publishes and consumes Messages on named channels.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe delivers messages until ctx ends or the broker closes; the
	// returned channel is closed then.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
	Type() string
}

// New builds the broker selected by cfg.Type. redisClient is used by the
// redis broker only.
func New(cfg config.BrokerConfig, redisClient *redis.Client, log *zap.Logger) (MessageBroker, error) {
	switch cfg.Type {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis broker needs a redis client")
		}
		return NewRedisBroker(redisClient, log), nil
	case "kafka":
		return NewKafkaBroker(cfg.Kafka.Brokers, cfg.Kafka.GroupID, log)
	case "nats":
		return NewNatsBroker(cfg.Nats.URL, cfg.Nats.Name, log)
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
