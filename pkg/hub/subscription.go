package hub

import (
	"sync"

	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// EventHandler consumes a raw event routed to a subscription.
type EventHandler func(event *types.RawEvent)

// Subscription tracks one server-side event subscription.
type Subscription struct {
	ID        int64
	EventType string
	Handler   EventHandler
}

// SubscriptionManager correlates incoming event frames with active
// subscriptions. A subscription created with correlation ID N receives
// every subsequent event frame carrying that ID until cancelled.
// Subscriptions live and die with their session.
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[int64]*Subscription
}

// NewSubscriptionManager creates an empty subscription manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subs: make(map[int64]*Subscription),
	}
}

// Add registers a subscription under the given correlation ID.
func (m *SubscriptionManager) Add(id int64, eventType string, handler EventHandler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &Subscription{ID: id, EventType: eventType, Handler: handler}
	m.subs[id] = sub
	return sub
}

// Cancel removes a subscription. Cancelling an unknown ID is a no-op.
func (m *SubscriptionManager) Cancel(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// Dispatch routes an event frame to the subscription that created it.
// It reports whether a subscription was found.
func (m *SubscriptionManager) Dispatch(frame *types.Frame) bool {
	m.mu.RLock()
	sub, ok := m.subs[frame.ID]
	m.mu.RUnlock()

	if !ok || frame.Event == nil {
		return false
	}
	sub.Handler(frame.Event)
	return true
}

// List returns the active subscriptions.
func (m *SubscriptionManager) List() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out
}
