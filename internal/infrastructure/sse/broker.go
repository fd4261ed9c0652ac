// Package sse fans out engine events to any number of live subscribers.
// Publishing never blocks the engine: a slow subscriber loses its oldest
// undelivered events, not the engine's time.
package sse

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber channel depth.
const subscriberBuffer = 64

// Event is one server-sent event: the SSE event name plus a payload that
// will be JSON-encoded on the wire.
type Event struct {
	Kind string
	Data any
}

// Subscription is one live event consumer.
type Subscription struct {
	ID string
	C  <-chan Event

	ch chan Event
}

// Broker is the fan-out hub. Safe for concurrent use.
type Broker struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		logger: logger.With(zap.String("component", "sse")),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a new consumer and returns its subscription.
func (b *Broker) Subscribe() *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{
		ID: uuid.NewString(),
		C:  ch,
		ch: ch,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("Subscriber connected",
		zap.String("subscriber_id", sub.ID),
		zap.Int("subscribers", n),
	)
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return
	}
	close(sub.ch)
	b.logger.Debug("Subscriber disconnected",
		zap.String("subscriber_id", id),
		zap.Int("subscribers", n),
	)
}

// Publish delivers the event to every subscriber. When a subscriber's
// buffer is full its oldest undelivered event is dropped to make room.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			b.logger.Warn("Dropped event for slow subscriber",
				zap.String("subscriber_id", id),
				zap.String("kind", ev.Kind),
			)
		}
	}
}

// Count returns the number of live subscribers.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
