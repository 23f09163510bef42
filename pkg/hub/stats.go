package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// SessionState names the lifecycle phase of the current session.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateSubscribing    SessionState = "subscribing"
	StateActive         SessionState = "active"
	StateClosed         SessionState = "closed"
)

// Stats tracks connection and subscription counters shared between the
// supervisor, the session loop and the health surface. All counters are
// atomic; Snapshot returns a consistent read-only view.
type Stats struct {
	clock clockwork.Clock

	attempts   atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64

	state      atomic.Value // SessionState
	subscribed atomic.Bool

	eventsReceived atomic.Int64
	rate           rateWindow
}

// NewStats creates a Stats tracking time with the given clock.
func NewStats(clock clockwork.Clock) *Stats {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Stats{clock: clock}
	s.state.Store(StateIdle)
	return s
}

// Attempt records the start of a connection attempt.
func (s *Stats) Attempt() {
	s.attempts.Add(1)
}

// Connected records a successfully authenticated session.
func (s *Stats) Connected() {
	s.successful.Add(1)
}

// Failed records a failed or ended session.
func (s *Stats) Failed() {
	s.failed.Add(1)
}

// SetState updates the session lifecycle state.
func (s *Stats) SetState(state SessionState) {
	s.state.Store(state)
	if state != StateActive {
		s.subscribed.Store(false)
	}
}

// SetSubscribed marks whether an event subscription is live.
func (s *Stats) SetSubscribed(v bool) {
	s.subscribed.Store(v)
}

// EventReceived records one received event frame.
func (s *Stats) EventReceived() {
	s.eventsReceived.Add(1)
	s.rate.mark(s.clock.Now())
}

// Snapshot is a point-in-time view of the connection stats.
type Snapshot struct {
	State              SessionState
	Attempts           int64
	Successful         int64
	Failed             int64
	Subscribed         bool
	EventsReceived     int64
	EventRatePerMinute int64
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		State:              s.state.Load().(SessionState),
		Attempts:           s.attempts.Load(),
		Successful:         s.successful.Load(),
		Failed:             s.failed.Load(),
		Subscribed:         s.subscribed.Load(),
		EventsReceived:     s.eventsReceived.Load(),
		EventRatePerMinute: s.rate.perMinute(s.clock.Now()),
	}
}

// rateWindow is a 60-bucket one-second ring used to derive a rolling
// events-per-minute rate.
type rateWindow struct {
	mu      sync.Mutex
	seconds [60]int64
	counts  [60]int64
}

func (r *rateWindow) mark(now time.Time) {
	sec := now.Unix()
	idx := sec % 60

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seconds[idx] != sec {
		r.seconds[idx] = sec
		r.counts[idx] = 0
	}
	r.counts[idx]++
}

func (r *rateWindow) perMinute(now time.Time) int64 {
	cutoff := now.Unix() - 60

	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for i := range r.seconds {
		if r.seconds[i] > cutoff {
			total += r.counts[i]
		}
	}
	return total
}
