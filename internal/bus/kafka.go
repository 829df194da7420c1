package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// Kafka header names carrying the envelope fields.
const (
	headerMessageID = "keelguard-message-id"
	headerTimestamp = "keelguard-timestamp"
)

// KafkaBus implements EventBus using Kafka.
// Messages are hashed onto partitions by key, so all events for one user are
// consumed in publish order.
type KafkaBus struct {
	mu            sync.Mutex
	brokers       []string
	groupID       string
	writers       map[string]*kafkago.Writer
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafkago.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a Kafka-backed event bus. Connections are opened
// lazily on first publish or subscribe.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "keelguard"
	}
	return &KafkaBus{
		brokers:       cfg.KafkaBrokers,
		groupID:       groupID,
		writers:       make(map[string]*kafkago.Writer),
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes a message to a Kafka topic keyed by key.
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	msg := newMessage(topic, key, payload)
	km := kafkago.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Unix(0, msg.Timestamp),
		Headers: []kafkago.Header{
			{Key: headerMessageID, Value: []byte(msg.ID)},
			{Key: headerTimestamp, Value: []byte(strconv.FormatInt(msg.Timestamp, 10))},
		},
	}

	if err := w.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBus) writer(topic string) (*kafkago.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(b.brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}
	b.writers[topic] = w
	return w, nil
}

// Subscribe starts a consumer-group reader for the topic. Offsets are
// committed only after the handler succeeds.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  b.groupID,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.subscriptions[sub.id] = sub

	go sub.consume(subCtx, handler)

	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return
			}
			slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg := fromKafka(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Error("kafka commit failed", "topic", m.Topic, "offset", m.Offset, "error", err)
		}
	}
}

func fromKafka(m kafkago.Message) *domain.Message {
	msg := &domain.Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Payload:   m.Value,
		Metadata:  make(map[string]string, len(m.Headers)),
		Timestamp: m.Time.UnixNano(),
	}
	for _, h := range m.Headers {
		switch h.Key {
		case headerMessageID:
			msg.ID = string(h.Value)
		case headerTimestamp:
			if ts, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				msg.Timestamp = ts
			}
		default:
			msg.Metadata[h.Key] = string(h.Value)
		}
	}
	return msg
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every consumer and flushes every writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	writers := b.writers
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.writers = make(map[string]*kafkago.Writer)
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for topic, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing writer for topic %s: %w", topic, err)
		}
	}
	return firstErr
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the consumer and leaves the group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subscriptions[s.id]
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()

	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
