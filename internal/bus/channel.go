// Package bus carries finalize requests and ledger events between Kestrel
// components.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

const defaultChannelBuffer = 1000

// ChannelBus is the in-process bus of the Community tier. Each subscriber
// owns a buffered channel drained by its own goroutine; a message is dropped
// for a subscriber whose buffer is full. Work topics go to one subscriber,
// chosen round robin.
type ChannelBus struct {
	bufferSize int
	log        *slog.Logger

	mu     sync.RWMutex
	closed bool
	topics map[string]*topicSubs
}

type topicSubs struct {
	byID map[string]*channelSubscription
	next int
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	owner   *ChannelBus
}

var _ domain.EventBus = (*ChannelBus)(nil)

func NewChannelBus(bufferSize int, logger *slog.Logger) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = defaultChannelBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		log:        logger,
		topics:     make(map[string]*topicSubs),
	}
}

func (b *ChannelBus) Publish(_ context.Context, topic string, payload []byte) error {
	return b.dispatch(newMessage(topic, payload))
}

// dispatch hands msg to the subscribers of its topic without blocking.
func (b *ChannelBus) dispatch(msg *domain.Message) error {
	// Write lock: picking a work-topic receiver advances the cursor.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	ts := b.topics[msg.Topic]
	if ts == nil || len(ts.byID) == 0 {
		return nil
	}
	for _, sub := range ts.receivers(domain.IsWorkTopic(msg.Topic)) {
		select {
		case sub.inbox <- msg:
		default:
			b.log.Warn("subscriber buffer full, message dropped",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// receivers returns every subscription, or just the next one in turn when
// single is set. Candidates are ordered by id so the rotation is stable.
func (ts *topicSubs) receivers(single bool) []*channelSubscription {
	all := make([]*channelSubscription, 0, len(ts.byID))
	for _, sub := range ts.byID {
		all = append(all, sub)
	}
	if !single {
		return all
	}
	slices.SortFunc(all, func(a, b *channelSubscription) int { return strings.Compare(a.id, b.id) })
	pick := all[ts.next%len(all)]
	ts.next++
	return []*channelSubscription{pick}
}

// Subscribe starts a goroutine that runs handler until the subscription,
// ctx or the bus is closed.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		owner:   b,
	}

	ts := b.topics[topic]
	if ts == nil {
		ts = &topicSubs{byID: make(map[string]*channelSubscription)}
		b.topics[topic] = ts
	}
	ts.byID[sub.id] = sub

	go sub.run(b.log)
	return sub, nil
}

func (s *channelSubscription) run(log *slog.Logger) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(s.ctx, msg); err != nil {
				log.Error("handler error", "topic", msg.Topic, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Request publishes on topic with a private reply topic in the "reply_to"
// metadata entry and waits for the first answer.
func (b *ChannelBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	answer := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.NewString()

	sub, err := b.Subscribe(ctx, replyTopic, func(_ context.Context, msg *domain.Message) error {
		select {
		case answer <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	msg := newMessage(topic, payload)
	msg.Metadata["reply_to"] = replyTopic
	if err := b.dispatch(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(defaultRequestDeadline)
	defer timer.Stop()
	select {
	case reply := <-answer:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request %s: no reply within %s", topic, defaultRequestDeadline)
	}
}

func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. It is safe to call more than once.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ts := range b.topics {
		for _, sub := range ts.byID {
			sub.cancel()
		}
	}
	b.topics = make(map[string]*topicSubs)
	return nil
}

func (b *ChannelBus) detach(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := b.topics[sub.topic]
	if ts == nil {
		return
	}
	delete(ts.byID, sub.id)
	if len(ts.byID) == 0 {
		delete(b.topics, sub.topic)
	}
}

func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.owner.detach(s)
	return nil
}

func (s *channelSubscription) Topic() string { return s.topic }

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
