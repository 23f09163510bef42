package normalize

import (
	"hash/fnv"
	"sync"
	"time"
)

// trackerShards bounds lock contention on the per-entity state map. The
// event handler is the only writer, so contention is low; sharding keeps
// the health snapshot cheap as the entity population grows.
const trackerShards = 16

type trackerEntry struct {
	state string
	at    time.Time
}

type trackerShard struct {
	mu      sync.Mutex
	entries map[string]trackerEntry
}

// DurationTracker remembers the last state transition per entity and
// derives duration_in_state for the next one. State is process-scoped:
// it survives session restarts but not process restarts, so the first
// transition after startup never carries a duration.
type DurationTracker struct {
	shards [trackerShards]*trackerShard
}

// NewDurationTracker creates an empty tracker.
func NewDurationTracker() *DurationTracker {
	t := &DurationTracker{}
	for i := range t.shards {
		t.shards[i] = &trackerShard{entries: make(map[string]trackerEntry)}
	}
	return t
}

func (t *DurationTracker) shard(entityID string) *trackerShard {
	h := fnv.New32a()
	h.Write([]byte(entityID)) //nolint:errcheck
	return t.shards[h.Sum32()%trackerShards]
}

// Observe records a state transition at the given instant and returns
// the seconds spent in the previous state. The duration is only present
// when a prior transition for the entity was observed in this process.
// Non-transitions (same state) neither produce a duration nor advance
// the tracker: duration_in_state measures time in a state, not time
// between updates.
func (t *DurationTracker) Observe(entityID, state string, at time.Time) (float64, bool) {
	s := t.shard(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.entries[entityID]
	if seen && prev.state == state {
		return 0, false
	}
	s.entries[entityID] = trackerEntry{state: state, at: at}
	if !seen {
		return 0, false
	}
	return at.Sub(prev.at).Seconds(), true
}

// Len returns the number of tracked entities.
func (t *DurationTracker) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
