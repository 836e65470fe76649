package domain

import (
	"context"
	"time"
)

// EventBus moves finalize requests and ledger notifications between the
// API, the async worker and any downstream consumer. The Community tier
// runs it on Go channels inside one process; Pro runs it on NATS.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe runs handler for every message on topic until the returned
	// Subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload and blocks until a responder answers on the
	// message's "reply_to" metadata entry.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every payload travels in.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus. Type is "channel" or "nats".
type EventBusConfig struct {
	Type string `yaml:"type" envconfig:"TYPE" validate:"oneof=channel nats"`

	ChannelBufferSize int `yaml:"channelBufferSize" envconfig:"CHANNEL_BUFFER_SIZE" validate:"min=0"`

	NATSUrl           string        `yaml:"natsUrl" envconfig:"NATS_URL"`
	NATSToken         string        `yaml:"natsToken" envconfig:"NATS_TOKEN"`
	NATSMaxReconnects int           `yaml:"natsMaxReconnects" envconfig:"NATS_MAX_RECONNECTS"`
	NATSReconnectWait time.Duration `yaml:"natsReconnectWait" envconfig:"NATS_RECONNECT_WAIT"`
	// NATSQueueGroup is shared by worker replicas consuming work topics.
	NATSQueueGroup string `yaml:"natsQueueGroup" envconfig:"NATS_QUEUE_GROUP"`
}

// Standard topic names for the award pipeline.
const (
	TopicTransactionFinalize = "kestrel.transaction.finalize"
	TopicAwardResult         = "kestrel.award.result"
	TopicPointsAwarded       = "kestrel.points.awarded"
	TopicPointsSpent         = "kestrel.points.spent"
	TopicPointsTransferred   = "kestrel.points.transferred"
	TopicPointsInsufficient  = "kestrel.points.insufficient"
)

// IsWorkTopic reports whether messages on topic should reach exactly one
// consumer rather than every subscriber.
func IsWorkTopic(topic string) bool {
	return topic == TopicTransactionFinalize
}

// FinalizeRequest is the payload of TopicTransactionFinalize.
type FinalizeRequest struct {
	TransactionID string `json:"transactionId"`
}

// LedgerEvent is the payload of the points.* topics.
type LedgerEvent struct {
	CustomerID   string    `json:"customerId"`
	MerchantID   string    `json:"merchantId"`
	ToMerchantID string    `json:"toMerchantId,omitempty"`
	Points       int64     `json:"points"`
	Balance      int64     `json:"balance,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	At           time.Time `json:"at"`
}
