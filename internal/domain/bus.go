package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Backed by Go channels, NATS or Kafka.
type EventBus interface {
	// Publish sends a message to a topic. Messages sharing a key keep their
	// relative order on backends that partition.
	Publish(ctx context.Context, topic, key string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `json:"type" mapstructure:"type"`

	// Channel settings
	ChannelBufferSize int `json:"channelBufferSize" mapstructure:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `json:"natsUrl" mapstructure:"nats_url"`
	NATSToken         string `json:"-" mapstructure:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" mapstructure:"nats_reconnect_wait"` // seconds
	NATSQueueGroup    string `json:"natsQueueGroup" mapstructure:"nats_queue_group"`

	// Kafka settings
	KafkaBrokers []string `json:"kafkaBrokers" mapstructure:"kafka_brokers"`
	KafkaGroupID string   `json:"kafkaGroupId" mapstructure:"kafka_group_id"`
}

// Topic names used by the detector and the worker.
const (
	TopicBookingEvent   = "keelguard.booking.event"
	TopicAssessment     = "keelguard.assessment"
	TopicProfileFlagged = "keelguard.profile.flagged"
	TopicOwnerAlert     = "keelguard.owner.alert"
)
