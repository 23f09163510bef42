package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthpipe/hearthpipe/pkg/types"
)

func strPtr(s string) *string { return &s }

func stateChangedEvent(entityID, newState, oldState string) *types.RawEvent {
	ev := &types.RawEvent{
		EventType: types.EventTypeStateChanged,
		Data:      &types.EventData{EntityID: entityID},
		TimeFired: "2025-01-01T00:00:00Z",
		Origin:    "LOCAL",
		Context:   types.EventContext{ID: "c1"},
	}
	if newState != "" {
		ev.Data.NewState = &types.State{State: newState, Attributes: map[string]any{}}
	}
	if oldState != "" {
		ev.Data.OldState = &types.State{State: oldState, Attributes: map[string]any{}}
	}
	return ev
}

func testNormalizer(at time.Time) (*Normalizer, *RegistryCache) {
	cache := NewRegistryCache()
	return NewNormalizer(cache, NewDurationTracker(), clockwork.NewFakeClockAt(at), 24*time.Hour), cache
}

// TestNormalizeHappyPath tests the full flattening of a state_changed
// event into a record
func TestNormalizeHappyPath(t *testing.T) {
	fired, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	n, cache := testNormalizer(fired.Add(time.Second))
	cache.Replace(map[string]RegistryEntry{
		"light.bedroom": {DeviceID: "dev1", AreaID: "area1"},
	})

	ev := stateChangedEvent("light.bedroom", "on", "off")
	ev.Data.NewState.Attributes = map[string]any{
		"friendly_name":       "Bed",
		"device_class":        "light",
		"unit_of_measurement": "lm",
		"brightness":          254,
	}

	rec, err := n.Normalize(ev)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "light.bedroom", rec.EntityID)
	assert.Equal(t, "light", rec.Domain)
	assert.Equal(t, "on", rec.State)
	assert.Equal(t, "off", rec.PreviousState)
	assert.True(t, rec.StateChanged)
	assert.Equal(t, "c1", rec.ContextID)
	assert.Equal(t, "Bed", rec.FriendlyName)
	assert.Equal(t, "light", rec.DeviceClass)
	assert.Equal(t, "lm", rec.UnitOfMeasurement)
	assert.Equal(t, "dev1", rec.DeviceID)
	assert.Equal(t, "area1", rec.AreaID)
	assert.True(t, rec.Timestamp.Equal(fired))
	assert.Nil(t, rec.DurationInState, "first transition carries no duration")
	assert.Nil(t, rec.NumericState)

	// Non-whitelisted attributes are never promoted to tags.
	_, hasBrightness := rec.Tags()["brightness"]
	assert.False(t, hasBrightness)
}

// TestNormalizeValidation tests the rejection taxonomy
func TestNormalizeValidation(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")

	tests := []struct {
		name   string
		mutate func(ev *types.RawEvent)
		reason Reason
	}{
		{
			name:   "empty entity_id",
			mutate: func(ev *types.RawEvent) { ev.Data.EntityID = "" },
			reason: ReasonInvalidEntityID,
		},
		{
			name:   "entity_id without dot",
			mutate: func(ev *types.RawEvent) { ev.Data.EntityID = "lightbedroom" },
			reason: ReasonInvalidEntityID,
		},
		{
			name:   "entity_id with empty domain",
			mutate: func(ev *types.RawEvent) { ev.Data.EntityID = ".bedroom" },
			reason: ReasonInvalidEntityID,
		},
		{
			name:   "entity_id with two dots",
			mutate: func(ev *types.RawEvent) { ev.Data.EntityID = "light.bed.room" },
			reason: ReasonInvalidEntityID,
		},
		{
			name: "both states absent",
			mutate: func(ev *types.RawEvent) {
				ev.Data.NewState = nil
				ev.Data.OldState = nil
			},
			reason: ReasonMissingState,
		},
		{
			name:   "no data object",
			mutate: func(ev *types.RawEvent) { ev.Data = nil },
			reason: ReasonSchemaMismatch,
		},
		{
			name:   "timestamp beyond allowed skew",
			mutate: func(ev *types.RawEvent) { ev.TimeFired = "2020-01-01T00:00:00Z" },
			reason: ReasonTimestampOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := testNormalizer(now)
			ev := stateChangedEvent("light.bedroom", "on", "off")
			tt.mutate(ev)

			rec, err := n.Normalize(ev)
			assert.Nil(t, rec)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.reason, verr.Reason)
			assert.Equal(t, int64(1), n.Snapshot().Rejected)
		})
	}
}

// TestNormalizeSkipsOtherEventTypes tests that non-state_changed events
// produce no record and no error
func TestNormalizeSkipsOtherEventTypes(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	n, _ := testNormalizer(now)

	rec, err := n.Normalize(&types.RawEvent{EventType: "service_registered"})
	assert.Nil(t, rec)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n.Snapshot().Skipped)
}

// TestNormalizeTimestampFallback tests receive-time fallback for
// missing or unparsable time_fired
func TestNormalizeTimestampFallback(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2025-06-01T12:00:00Z")

	for _, fired := range []string{"", "not-a-time"} {
		n, _ := testNormalizer(now)
		ev := stateChangedEvent("light.bedroom", "on", "off")
		ev.TimeFired = fired

		rec, err := n.Normalize(ev)
		require.NoError(t, err)
		assert.True(t, rec.Timestamp.Equal(now), "time_fired %q should fall back to receive time", fired)
	}
}

// TestNormalizeAbsentStates tests the unknown placeholders for created
// and removed entities
func TestNormalizeAbsentStates(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")

	t.Run("entity created", func(t *testing.T) {
		n, _ := testNormalizer(now)
		rec, err := n.Normalize(stateChangedEvent("light.bedroom", "on", ""))
		require.NoError(t, err)
		assert.Equal(t, "on", rec.State)
		assert.Equal(t, types.StateUnknown, rec.PreviousState)
		assert.True(t, rec.StateChanged)
	})

	t.Run("entity removed", func(t *testing.T) {
		n, _ := testNormalizer(now)
		rec, err := n.Normalize(stateChangedEvent("light.bedroom", "", "on"))
		require.NoError(t, err)
		assert.Equal(t, types.StateUnknown, rec.State)
		assert.Equal(t, "on", rec.PreviousState)
	})
}

// TestNormalizeNumericCoercion tests numeric_state derivation
func TestNormalizeNumericCoercion(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	n, _ := testNormalizer(now)

	rec, err := n.Normalize(stateChangedEvent("sensor.temp", "21.5", "20.9"))
	require.NoError(t, err)
	require.NotNil(t, rec.NumericState)
	assert.InDelta(t, 21.5, *rec.NumericState, 1e-9)

	rec, err = n.Normalize(stateChangedEvent("lock.door", "locked", "unlocked"))
	require.NoError(t, err)
	assert.Nil(t, rec.NumericState)
}

// TestNormalizeContextFields tests optional context tag promotion
func TestNormalizeContextFields(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	n, _ := testNormalizer(now)

	ev := stateChangedEvent("light.bedroom", "on", "off")
	ev.Context = types.EventContext{ID: "c1", ParentID: strPtr("p1"), UserID: strPtr("u1")}

	rec, err := n.Normalize(ev)
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ContextID)
	assert.Equal(t, "p1", rec.ContextParentID)
	assert.Equal(t, "u1", rec.ContextUserID)
}

// TestNormalizeDurationAccumulation tests duration_in_state across two
// transitions of the same entity
func TestNormalizeDurationAccumulation(t *testing.T) {
	start, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	cache := NewRegistryCache()
	n := NewNormalizer(cache, NewDurationTracker(), clockwork.NewFakeClockAt(start.Add(time.Minute)), 24*time.Hour)

	first := stateChangedEvent("light.bedroom", "on", "off")
	first.TimeFired = start.Format(time.RFC3339)
	rec, err := n.Normalize(first)
	require.NoError(t, err)
	assert.Nil(t, rec.DurationInState)

	second := stateChangedEvent("light.bedroom", "off", "on")
	second.TimeFired = start.Add(30 * time.Second).Format(time.RFC3339)
	rec, err = n.Normalize(second)
	require.NoError(t, err)
	require.NotNil(t, rec.DurationInState)
	assert.InDelta(t, 30.0, *rec.DurationInState, 0.001)
}

// TestNormalizeRepeatedUpdate tests that a non-transition produces no
// duration and state_changed=false
func TestNormalizeRepeatedUpdate(t *testing.T) {
	now, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	n, _ := testNormalizer(now)

	_, err := n.Normalize(stateChangedEvent("light.bedroom", "on", "off"))
	require.NoError(t, err)

	rec, err := n.Normalize(stateChangedEvent("light.bedroom", "on", "on"))
	require.NoError(t, err)
	assert.False(t, rec.StateChanged)
	assert.Nil(t, rec.DurationInState)
}
