package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	defaultNATSAttempts    = 10
	defaultNATSBackoff     = 5 * time.Second
	defaultNATSQueueGroup  = "kestrel-workers"
	natsReconnectBuffer    = 8 << 20
	defaultRequestDeadline = 30 * time.Second
)

// NATSBus carries award traffic over NATS subjects named after the topics.
// Work topics such as finalize requests are consumed through a queue group,
// so each request reaches one worker replica; every other topic fans out.
type NATSBus struct {
	nc         *nats.Conn
	queueGroup string
	log        *slog.Logger

	mu   sync.RWMutex
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	ns    *nats.Subscription
	owner *NATSBus
}

var _ domain.EventBus = (*NATSBus)(nil)

// NewNATSBus connects to NATS, retrying the initial dial up to
// NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = withNATSDefaults(cfg)

	nc, err := dialNATS(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("NATS connected",
		"url", nc.ConnectedUrl(),
		"server_id", nc.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		nc:         nc,
		queueGroup: cfg.NATSQueueGroup,
		log:        logger,
		subs:       make(map[string]*natsSubscription),
	}, nil
}

func withNATSDefaults(cfg domain.EventBusConfig) domain.EventBusConfig {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = defaultNATSAttempts
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = defaultNATSBackoff
	}
	if cfg.NATSQueueGroup == "" {
		cfg.NATSQueueGroup = defaultNATSQueueGroup
	}
	return cfg
}

func natsOptions(cfg domain.EventBusConfig, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(cfg.NATSReconnectWait),
		nats.ReconnectBufSize(natsReconnectBuffer),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

func dialNATS(cfg domain.EventBusConfig, logger *slog.Logger) (*nats.Conn, error) {
	opts := natsOptions(cfg, logger)

	var lastErr error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		nc, err := nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return nc, nil
		}
		lastErr = err
		logger.Warn("NATS dial failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(cfg.NATSReconnectWait)
		}
	}
	return nil, fmt.Errorf("NATS %s unreachable after %d attempts: %w", cfg.NATSUrl, cfg.NATSMaxReconnects, lastErr)
}

func encodeEnvelope(topic string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(newMessage(topic, payload))
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", topic, err)
	}
	return data, nil
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	return b.nc.Publish(topic, data)
}

// Subscribe decodes each envelope and hands it to handler. A NATS reply
// subject is surfaced as the "reply_to" metadata entry.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Error("dropping undecodable NATS message", "subject", m.Subject, "error", err)
			return
		}
		if m.Reply != "" {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string, 1)
			}
			msg.Metadata["reply_to"] = m.Reply
		}
		if err := handler(ctx, &msg); err != nil {
			b.log.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if domain.IsWorkTopic(topic) {
		ns, err = b.nc.QueueSubscribe(topic, b.queueGroup, deliver)
	} else {
		ns, err = b.nc.Subscribe(topic, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{id: uuid.NewString(), topic: topic, ns: ns, owner: b}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Request publishes on topic and waits for the first reply, bounded by ctx
// or a default deadline when ctx has none.
func (b *NATSBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestDeadline)
		defer cancel()
	}

	reply, err := b.nc.RequestWithContext(ctx, topic, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	var env domain.Message
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", topic, err)
	}
	return env.Payload, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return errors.New("NATS not connected")
	}
	return b.nc.FlushWithContext(ctx)
}

// Close drops every subscription and then the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for id, sub := range b.subs {
		_ = sub.ns.Unsubscribe()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.nc.Close()
	return nil
}

// Stats exposes the connection counters.
func (b *NATSBus) Stats() nats.Statistics {
	return b.nc.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()
	return s.ns.Unsubscribe()
}

func (s *natsSubscription) Topic() string { return s.topic }
