package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/metrics"
)

const (
	natsMaxReconnects = -1
	natsReconnectWait = 2 * time.Second
)

// NatsBroker implements MessageBroker with core NATS subjects.
type NatsBroker struct {
	conn   *nats.Conn
	log    *zap.Logger
	mu     sync.RWMutex
	closed bool
}

func NewNatsBroker(url, name string, log *zap.Logger) (*NatsBroker, error) {
	opts := []nats.Option{
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if name != "" {
		opts = append(opts, nats.Name(name))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsBroker{conn: conn, log: log}, nil
}

func (b *NatsBroker) Type() string { return "nats" }

func (b *NatsBroker) Publish(_ context.Context, channel string, message Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// The client buffers while reconnecting, so there is nothing to retry here.
	if err := b.conn.Publish(channel, data); err != nil {
		return err
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.Type(), kindLabel(message.Kind)).Inc()
	return nil
}

func (b *NatsBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	raw := make(chan *nats.Msg, 100)
	sub, err := b.conn.ChanSubscribe(channel, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-raw:
				var message Message
				if err := json.Unmarshal(msg.Data, &message); err != nil {
					b.log.Warn("Message decode error", zap.String("channel", channel), zap.Error(err))
					continue
				}
				metrics.BrokerMessagesConsumed.WithLabelValues(b.Type(), kindLabel(message.Kind)).Inc()
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

func (b *NatsBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Drain()
}
