package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventSessionConnecting EventType = "session.connecting"
	EventSessionConnected  EventType = "session.connected"
	EventSessionClosed     EventType = "session.closed"
	EventSessionAuthFailed EventType = "session.auth_failed"
	EventBatchFlushed      EventType = "batch.flushed"
	EventBatchFailed       EventType = "batch.failed"
	EventDiscoveryDone     EventType = "discovery.completed"
	EventDiscoveryFailed   EventType = "discovery.failed"
)

// Event is one pipeline lifecycle notification. The payload is typed
// rather than a free-form map so consumers never parse strings: session
// events carry SessionID and Reason, batch events carry Records, and
// failures carry Err.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	// SessionID identifies the emitting session, when there is one.
	SessionID string

	// Reason is a close or failure classification (session close
	// reasons, write error classes).
	Reason string

	// Records is the record count of a batch event.
	Records int

	// Err is the failure message of *Failed events.
	Err string

	// Message is a human-readable summary for logs and dashboards.
	Message string
}

// Subscription is a live feed of matching events. Receive from C and
// call Close when done.
type Subscription struct {
	broker *Broker
	types  map[EventType]struct{} // empty means all types
	ch     chan Event
}

// C returns the subscription's event channel. It is closed by
// Subscription.Close and by Broker.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.broker.drop(s)
}

func (s *Subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Broker fans lifecycle events out to subscribers. Publish never
// blocks: delivery is direct (no distribution goroutine) and a
// subscriber whose buffer is full misses the event. That trade-off is
// deliberate: the pipeline must never stall on an observer.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroker creates a broker ready for use; no Start is needed.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe returns a feed of the given event types, or of every event
// when none are named.
func (b *Broker) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{
		broker: b,
		ch:     make(chan Event, 64),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish stamps and delivers an event to every matching subscriber.
func (b *Broker) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Close detaches and closes every subscription; further publishes are
// dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}
