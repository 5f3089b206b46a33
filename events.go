package apiclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a cross-cutting notification for UI-layer collaborators.
type EventType string

const (
	// EventUnauthorized means the session is gone and the user must log in
	// again. It fires at most once per lost session.
	EventUnauthorized    EventType = "api:unauthorized"
	EventForbidden       EventType = "api:forbidden"
	EventRateLimit       EventType = "api:rateLimit"
	EventServerError     EventType = "api:serverError"
	EventNetworkError    EventType = "api:networkError"
	EventValidationError EventType = "api:validationError"

	// EventSessionRefreshed is informational: a refresh replaced the tokens.
	EventSessionRefreshed EventType = "auth:refreshed"
)

// EventTypeFor returns the event published for a classified error kind.
func EventTypeFor(kind ErrorKind) EventType {
	switch kind {
	case KindUnauthorized:
		return EventUnauthorized
	case KindForbidden:
		return EventForbidden
	case KindRateLimited:
		return EventRateLimit
	case KindServerError:
		return EventServerError
	case KindNetworkError:
		return EventNetworkError
	default:
		return EventValidationError
	}
}

// Event is delivered to subscribers of an EventBus.
type Event struct {
	Type          EventType
	Kind          ErrorKind
	Err           *APIError
	Method        string
	URL           string
	StatusCode    int
	RetryAfter    time.Duration
	CorrelationID string
	Time          time.Time
}

func newErrorEvent(apiErr *APIError) Event {
	return Event{
		Type:          EventTypeFor(apiErr.Kind),
		Kind:          apiErr.Kind,
		Err:           apiErr,
		Method:        apiErr.Method,
		URL:           apiErr.URL,
		StatusCode:    apiErr.StatusCode,
		RetryAfter:    apiErr.RetryAfter,
		CorrelationID: apiErr.CorrelationID,
		Time:          time.Now(),
	}
}

// Subscriber receives events. Notify runs on the publishing goroutine and
// should not block for long.
type Subscriber interface {
	Notify(ctx context.Context, e Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event)

func (f SubscriberFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// EventBus fans events out to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	logger Logger
}

type subscription struct {
	id  uint64
	sub Subscriber
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers s and returns a function that removes it again.
func (b *EventBus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &subscription{id: id, sub: s})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e synchronously. A panicking subscriber is recovered so
// the remaining subscribers still see the event.
func (b *EventBus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	logger := b.logger
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s.sub, e, logger)
	}
}

func (b *EventBus) deliver(ctx context.Context, s Subscriber, e Event, logger Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("event subscriber panicked", "event", string(e.Type), "panic", r)
		}
	}()
	s.Notify(ctx, e)
}

func (b *EventBus) setLogger(l Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// ChannelSubscriber buffers events on a channel for consumers that prefer to
// receive them asynchronously. Events arriving while the buffer is full are
// dropped and counted.
type ChannelSubscriber struct {
	events  chan Event
	dropped atomic.Uint64
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSubscriber{events: make(chan Event, buffer)}
}

func (s *ChannelSubscriber) Notify(_ context.Context, e Event) {
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events exposes the receive side of the buffer.
func (s *ChannelSubscriber) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events did not fit into the buffer.
func (s *ChannelSubscriber) Dropped() uint64 {
	return s.dropped.Load()
}
