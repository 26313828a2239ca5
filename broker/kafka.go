package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
	kafkaReadyTimeout   = 10 * time.Second
	kafkaClientID       = "edge-gateway"
)

// Record headers carried next to the JSON envelope, so consumers can route
// on them without decoding the value.
const (
	headerEdgeID   = "edge_id"
	headerServerID = "server_id"
	headerKind     = "kind"
)

var errNoEdgeID = errors.New("record carries no edge id")

// KafkaBroker carries gateway messages over Kafka topics. Records are keyed
// by edge id, which keeps the traffic of one edge on one partition.
type KafkaBroker struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	log           *zap.Logger
	mu            sync.RWMutex
	closed        bool
}

func NewKafkaBroker(brokers []string, groupID string, log *zap.Logger) (*KafkaBroker, error) {
	config := sarama.NewConfig()
	config.ClientID = kafkaClientID
	config.Version = sarama.V4_0_0_0

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner

	// Commands are only useful to edges that are connected now.
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	b := &KafkaBroker{producer: producer, consumerGroup: group, log: log}
	go func() {
		for err := range group.Errors() {
			log.Warn("Kafka consumer group error", zap.Error(err))
		}
	}()
	return b, nil
}

func (b *KafkaBroker) Type() string { return "kafka" }

func (b *KafkaBroker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// producerRecord builds the Kafka record for a gateway message.
func producerRecord(topic string, message Message) (*sarama.ProducerMessage, error) {
	if message.EdgeID == "" {
		return nil, errNoEdgeID
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	headers := []sarama.RecordHeader{{Key: []byte(headerEdgeID), Value: []byte(message.EdgeID)}}
	if message.ServerID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(headerServerID), Value: []byte(message.ServerID)})
	}
	if message.Kind != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(headerKind), Value: []byte(message.Kind)})
	}
	return &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(message.EdgeID),
		Value:     sarama.ByteEncoder(data),
		Headers:   headers,
		Timestamp: time.Now(),
	}, nil
}

// decodeRecord turns a consumed record back into a message. Producers that
// only set headers, or an older envelope without kind, still decode: the
// headers fill in what the value leaves empty.
func decodeRecord(rec *sarama.ConsumerMessage) (Message, error) {
	var message Message
	if len(rec.Value) > 0 {
		if err := json.Unmarshal(rec.Value, &message); err != nil {
			return Message{}, err
		}
	}
	for _, h := range rec.Headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case headerEdgeID:
			if message.EdgeID == "" {
				message.EdgeID = string(h.Value)
			}
		case headerServerID:
			if message.ServerID == "" {
				message.ServerID = string(h.Value)
			}
		case headerKind:
			if message.Kind == "" {
				message.Kind = string(h.Value)
			}
		}
	}
	if message.EdgeID == "" && len(rec.Key) > 0 {
		message.EdgeID = string(rec.Key)
	}
	if message.EdgeID == "" {
		return Message{}, errNoEdgeID
	}
	return message, nil
}

// Publish writes the message to the topic named by channel, retrying with
// backoff until ctx ends.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	rec, err := producerRecord(channel, message)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	err = backoff.RetryNotify(func() error {
		_, _, err := b.producer.SendMessage(rec)
		return err
	}, policy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		b.log.Warn("Retrying Kafka publish", zap.String("edge_id", message.EdgeID),
			zap.String("kind", message.Kind), zap.Error(err), zap.Duration("next_attempt", d))
	})
	if err != nil {
		return err
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.Type(), kindLabel(message.Kind)).Inc()
	return nil
}

// Subscribe joins the consumer group on the topic named by channel. It
// returns once the first group session is set up.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	messages := make(chan Message, 100)
	handler := &groupHandler{
		messages: messages,
		ready:    make(chan struct{}),
		log:      b.log,
	}

	go func() {
		defer close(messages)
		// Consume returns at every rebalance and has to be called again.
		for ctx.Err() == nil {
			if err := b.consumerGroup.Consume(ctx, []string{channel}, handler); err != nil {
				if !errors.Is(err, sarama.ErrClosedConsumerGroup) {
					b.log.Error("Kafka consume failed", zap.String("topic", channel), zap.Error(err))
				}
				return
			}
		}
	}()

	select {
	case <-handler.ready:
		return messages, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(kafkaReadyTimeout):
		return nil, fmt.Errorf("kafka consumer for %s not ready after %s", channel, kafkaReadyTimeout)
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if err := b.consumerGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
	}
	return errors.Join(errs...)
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	messages chan<- Message
	ready    chan struct{}
	once     sync.Once
	log      *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case rec, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			message, err := decodeRecord(rec)
			if err != nil {
				// Undecodable records are committed too, or they would come back forever.
				h.log.Warn("Dropping undecodable Kafka record", zap.String("topic", rec.Topic),
					zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
				session.MarkMessage(rec, "")
				continue
			}
			metrics.BrokerMessagesConsumed.WithLabelValues("kafka", kindLabel(message.Kind)).Inc()
			select {
			case h.messages <- message:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(rec, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
