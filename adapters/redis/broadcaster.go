package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/internal/duplex"
)

const defaultPrefix = "duplexvoice:events:"

// Broadcaster publishes session events on Redis pub/sub so every server
// instance holding a subscriber of the group can forward them.
type Broadcaster struct {
	client *goredis.Client
	prefix string
	logger *zap.Logger
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithPrefix sets the channel prefix prepended to every group
func WithPrefix(prefix string) Option {
	return func(b *Broadcaster) {
		b.prefix = prefix
	}
}

// NewBroadcaster creates a Redis backed broadcaster
func NewBroadcaster(client *goredis.Client, logger *zap.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		client: client,
		prefix: defaultPrefix,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channel returns the Redis channel used for group
func (b *Broadcaster) Channel(group string) string {
	return b.prefix + group
}

// Publish implements duplex.Broadcaster
func (b *Broadcaster) Publish(ctx context.Context, group string, event duplex.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(group), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (b *Broadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Subscribe listens to the events of group. It returns once Redis has
// confirmed the subscription.
func (b *Broadcaster) Subscribe(ctx context.Context, group string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.Channel(group))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", group, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan duplex.Event, 64),
		done:   make(chan struct{}),
		logger: b.logger.With(zap.String("group", group)),
	}
	go sub.run()
	return sub, nil
}

// Subscription is an active group subscription
type Subscription struct {
	pubsub    *goredis.PubSub
	events    chan duplex.Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// Events yields decoded events until the subscription is closed
func (s *Subscription) Events() <-chan duplex.Event {
	return s.events
}

// Close ends the subscription
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *Subscription) run() {
	defer close(s.events)

	messages := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event duplex.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("Dropping malformed event", zap.Error(err))
				continue
			}
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		}
	}
}
