package api

import (
	"sync"
	"time"

	"github.com/hearthpipe/hearthpipe/pkg/events"
)

// Tracker derives the last-error view for the health surface from the
// lifecycle event stream. It subscribes only to the failure event
// types; everything else never reaches it.
type Tracker struct {
	mu        sync.Mutex
	lastError *LastError
	sub       *events.Subscription
	done      chan struct{}
}

// NewTracker subscribes to the broker and starts consuming.
func NewTracker(broker *events.Broker) *Tracker {
	t := &Tracker{
		sub: broker.Subscribe(
			events.EventSessionAuthFailed,
			events.EventSessionClosed,
			events.EventBatchFailed,
			events.EventDiscoveryFailed,
		),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer close(t.done)
	for ev := range t.sub.C() {
		switch ev.Type {
		case events.EventSessionAuthFailed:
			t.note("AuthFailed", ev.Err, ev.Timestamp)
		case events.EventSessionClosed:
			if ev.Reason != "" && ev.Reason != "canceled" {
				t.note(ev.Reason, ev.Err, ev.Timestamp)
			}
		case events.EventBatchFailed:
			reason := ev.Reason
			if reason == "" {
				reason = "write_failed"
			}
			t.note(reason, ev.Err, ev.Timestamp)
		case events.EventDiscoveryFailed:
			t.note("discovery_failed", ev.Err, ev.Timestamp)
		}
	}
}

func (t *Tracker) note(classification, message string, at time.Time) {
	t.mu.Lock()
	t.lastError = &LastError{Classification: classification, Message: message, At: at}
	t.mu.Unlock()
}

// LastError returns the most recent failure, if any.
func (t *Tracker) LastError() *LastError {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastError == nil {
		return nil
	}
	cp := *t.lastError
	return &cp
}

// Stop detaches from the broker and waits for the consumer to drain.
func (t *Tracker) Stop() {
	t.sub.Close()
	<-t.done
}
