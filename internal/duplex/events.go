package duplex

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/internal/metrics"
)

// EventKind identifies the payload carried by an Event
type EventKind string

const (
	EventTranscript EventKind = "transcript"
	EventStatus     EventKind = "status"
	EventAudio      EventKind = "audio"
)

// Event is published to every subscriber of a session's broadcast group
type Event struct {
	Kind     EventKind            `json:"kind"`
	Role     entities.MessageRole `json:"role,omitempty"`
	Text     string               `json:"text,omitempty"`
	Speaking bool                 `json:"speaking"`
	MIME     string               `json:"mime,omitempty"`
	Data     string               `json:"data,omitempty"`
	Rate     int                  `json:"rate,omitempty"`
}

// TranscriptEvent carries the latest rolling transcript of a role
func TranscriptEvent(role entities.MessageRole, text string) Event {
	return Event{Kind: EventTranscript, Role: role, Text: text}
}

// StatusEvent reports a speaking-state change of a role
func StatusEvent(role entities.MessageRole, speaking bool) Event {
	return Event{Kind: EventStatus, Role: role, Speaking: speaking}
}

// AudioEvent carries base64 encoded PCM for a remote client
func AudioEvent(mime, data string, rate int) Event {
	return Event{Kind: EventAudio, MIME: mime, Data: data, Rate: rate}
}

// Broadcaster fans events out to the subscribers of a group
type Broadcaster interface {
	Publish(ctx context.Context, group string, event Event) error
}

// BroadcasterFunc adapts a function to the Broadcaster interface
type BroadcasterFunc func(ctx context.Context, group string, event Event) error

// Publish implements Broadcaster
func (f BroadcasterFunc) Publish(ctx context.Context, group string, event Event) error {
	return f(ctx, group, event)
}

// eventBus decouples event producers from the broadcaster.
// Producers never block; a single consumer publishes in emission order.
type eventBus struct {
	events         chan Event
	broadcaster    Broadcaster
	group          string
	publishTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

func newEventBus(size int, broadcaster Broadcaster, group string, logger *zap.Logger, m *metrics.Metrics) *eventBus {
	return &eventBus{
		events:         make(chan Event, size),
		broadcaster:    broadcaster,
		group:          group,
		publishTimeout: 2 * time.Second,
		logger:         logger,
		metrics:        m,
	}
}

// Emit queues an event for publication, dropping it when the queue is full
func (b *eventBus) Emit(event Event) {
	if b.broadcaster == nil {
		return
	}
	select {
	case b.events <- event:
	default:
		b.metrics.EventsDropped.Inc()
		b.logger.Debug("Event queue full, dropping event", zap.String("kind", string(event.Kind)))
	}
}

// Run publishes queued events until ctx is done, then drains what is left
func (b *eventBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return nil
		case event := <-b.events:
			b.publish(ctx, event)
		}
	}
}

func (b *eventBus) drain(ctx context.Context) {
	for {
		select {
		case event := <-b.events:
			b.publish(ctx, event)
		default:
			return
		}
	}
}

func (b *eventBus) publish(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	if err := b.broadcaster.Publish(ctx, b.group, event); err != nil {
		b.logger.Debug("Failed to publish event",
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}
