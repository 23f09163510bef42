package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/metrics"
	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// Reason classifies why an event was rejected by validation.
type Reason string

const (
	ReasonInvalidEntityID     Reason = "invalid_entity_id"
	ReasonMissingState        Reason = "missing_state"
	ReasonTimestampOutOfRange Reason = "timestamp_out_of_range"
	ReasonSchemaMismatch      Reason = "schema_mismatch"
)

// ValidationError reports a rejected event. Validation errors never
// propagate beyond the event handler; they are counted and logged.
type ValidationError struct {
	Reason   Reason
	EntityID string
	Detail   string
}

func (e *ValidationError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("event rejected (%s): %s [entity_id=%s]", e.Reason, e.Detail, e.EntityID)
	}
	return fmt.Sprintf("event rejected (%s): %s", e.Reason, e.Detail)
}

// Normalizer transforms raw state_changed envelopes into flat records.
// It consults the registry cache for spatial tags and the duration
// tracker for duration_in_state; both lookups are O(1) and never block
// on I/O.
type Normalizer struct {
	cache   *RegistryCache
	tracker *DurationTracker
	clock   clockwork.Clock
	maxSkew time.Duration
	logger  zerolog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
	skipped  atomic.Int64
}

// NewNormalizer creates a normalizer. maxSkew bounds how far time_fired
// may drift from receive time before the event is rejected.
func NewNormalizer(cache *RegistryCache, tracker *DurationTracker, clock clockwork.Clock, maxSkew time.Duration) *Normalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxSkew <= 0 {
		maxSkew = 24 * time.Hour
	}
	return &Normalizer{
		cache:   cache,
		tracker: tracker,
		clock:   clock,
		maxSkew: maxSkew,
		logger:  log.WithComponent("normalizer"),
	}
}

// Normalize produces exactly one record per accepted event. Events of
// other types return (nil, nil) and are counted as skipped; invalid
// events return a ValidationError.
func (n *Normalizer) Normalize(event *types.RawEvent) (*types.Record, error) {
	if event.EventType != types.EventTypeStateChanged {
		n.skipped.Add(1)
		metrics.EventsDropped.WithLabelValues("other_type").Inc()
		return nil, nil
	}

	if event.Data == nil {
		return nil, n.reject(ReasonSchemaMismatch, "", "event has no data object")
	}
	d := event.Data

	entityID := d.EntityID
	domain, ok := splitDomain(entityID)
	if !ok {
		return nil, n.reject(ReasonInvalidEntityID, entityID, "entity_id must be <domain>.<object_id>")
	}

	if d.NewState == nil && d.OldState == nil {
		return nil, n.reject(ReasonMissingState, entityID, "both new_state and old_state absent")
	}

	now := n.clock.Now()
	ts := now
	if event.TimeFired != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, event.TimeFired); err == nil {
			ts = parsed
		} else {
			n.logger.Debug().Str("time_fired", event.TimeFired).Msg("Unparsable time_fired, using receive time")
		}
	}
	if skew := now.Sub(ts); skew > n.maxSkew || skew < -n.maxSkew {
		return nil, n.reject(ReasonTimestampOutOfRange, entityID,
			fmt.Sprintf("time_fired %s drifts more than %s from receive time", ts.Format(time.RFC3339), n.maxSkew))
	}

	state := types.StateUnknown
	if d.NewState != nil {
		state = d.NewState.State
	}
	previous := types.StateUnknown
	if d.OldState != nil {
		previous = d.OldState.State
	}

	rec := &types.Record{
		Timestamp:     ts,
		EntityID:      entityID,
		Domain:        domain,
		State:         state,
		PreviousState: previous,
		StateChanged:  state != previous,
	}

	if rec.StateChanged {
		if dur, ok := n.tracker.Observe(entityID, state, ts); ok {
			rec.DurationInState = &dur
		}
	}

	rec.ContextID = event.Context.ID
	if event.Context.ParentID != nil {
		rec.ContextParentID = *event.Context.ParentID
	}
	if event.Context.UserID != nil {
		rec.ContextUserID = *event.Context.UserID
	}

	if entry, ok := n.cache.Lookup(entityID); ok {
		rec.DeviceID = entry.DeviceID
		rec.AreaID = entry.AreaID
	}

	// Only the whitelisted attribute keys are ever promoted to columns;
	// everything else in the heterogeneous attribute map is ignored.
	if d.NewState != nil {
		rec.FriendlyName = stringAttribute(d.NewState.Attributes, "friendly_name")
		rec.UnitOfMeasurement = stringAttribute(d.NewState.Attributes, "unit_of_measurement")
		rec.DeviceClass = stringAttribute(d.NewState.Attributes, "device_class")
	}

	if f, err := strconv.ParseFloat(state, 64); err == nil {
		rec.NumericState = &f
	}

	n.accepted.Add(1)
	return rec, nil
}

// NormalizerSnapshot is a read-only view of the normalizer counters.
type NormalizerSnapshot struct {
	Accepted int64
	Rejected int64
	Skipped  int64
}

// Snapshot returns the current counters.
func (n *Normalizer) Snapshot() NormalizerSnapshot {
	return NormalizerSnapshot{
		Accepted: n.accepted.Load(),
		Rejected: n.rejected.Load(),
		Skipped:  n.skipped.Load(),
	}
}

func (n *Normalizer) reject(reason Reason, entityID, detail string) error {
	n.rejected.Add(1)
	metrics.EventsRejected.WithLabelValues(string(reason)).Inc()
	err := &ValidationError{Reason: reason, EntityID: entityID, Detail: detail}
	n.logger.Info().Str("entity_id", entityID).Str("reason", string(reason)).Msg(detail)
	return err
}

// splitDomain extracts the domain prefix from an entity ID. The ID must
// contain exactly one dot with non-empty parts on both sides.
func splitDomain(entityID string) (string, bool) {
	if entityID == "" {
		return "", false
	}
	parts := strings.Split(entityID, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0], true
}

func stringAttribute(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}
