package types

import (
	"encoding/json"
	"time"
)

// Frame message types used on the hub WebSocket protocol.
const (
	MsgAuthRequired    = "auth_required"
	MsgAuth            = "auth"
	MsgAuthOK          = "auth_ok"
	MsgAuthInvalid     = "auth_invalid"
	MsgSubscribeEvents = "subscribe_events"
	MsgResult          = "result"
	MsgEvent           = "event"
	MsgPing            = "ping"
	MsgPong            = "pong"

	MsgDeviceRegistryList = "config/device_registry/list"
	MsgEntityRegistryList = "config/entity_registry/list"
)

// EventTypeStateChanged is the only hub event type the pipeline processes.
const EventTypeStateChanged = "state_changed"

// Frame is the superset of all messages received from the hub.
type Frame struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Error     *FrameError     `json:"error,omitempty"`
	Event     *RawEvent       `json:"event,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// FrameError carries the hub's error payload on failed results.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RawEvent is the nested event envelope pushed by the hub on a subscription.
type RawEvent struct {
	EventType string       `json:"event_type"`
	Data      *EventData   `json:"data"`
	TimeFired string       `json:"time_fired"`
	Origin    string       `json:"origin"`
	Context   EventContext `json:"context"`
}

// EventData holds the state transition payload of a state_changed event.
// NewState is absent when the entity was removed, OldState when it was
// created.
type EventData struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is a point-in-time entity state as reported by the hub. Attributes
// is heterogeneous; only whitelisted keys are promoted by the normalizer.
type State struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// EventContext identifies the automation context that fired the event.
type EventContext struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// StateUnknown is the literal written when a state side of a transition is
// absent.
const StateUnknown = "unknown"

// Record is the flat normalized form of an accepted state_changed event.
// Tag columns are low-cardinality and indexed by the store; field columns
// carry the value payload.
type Record struct {
	Timestamp time.Time

	// Tags
	EntityID          string
	Domain            string
	PreviousState     string
	ContextID         string
	ContextParentID   string
	ContextUserID     string
	DeviceID          string
	AreaID            string
	UnitOfMeasurement string
	DeviceClass       string

	// Fields
	State           string
	StateChanged    bool
	DurationInState *float64
	FriendlyName    string
	NumericState    *float64
}

// Tags returns the non-empty tag columns keyed by column name.
func (r *Record) Tags() map[string]string {
	tags := map[string]string{
		"entity_id":      r.EntityID,
		"domain":         r.Domain,
		"previous_state": r.PreviousState,
	}
	optional := map[string]string{
		"context_id":          r.ContextID,
		"context_parent_id":   r.ContextParentID,
		"context_user_id":     r.ContextUserID,
		"device_id":           r.DeviceID,
		"area_id":             r.AreaID,
		"unit_of_measurement": r.UnitOfMeasurement,
		"device_class":        r.DeviceClass,
	}
	for k, v := range optional {
		if v != "" {
			tags[k] = v
		}
	}
	return tags
}

// Fields returns the field columns keyed by column name. Optional fields
// are omitted when absent.
func (r *Record) Fields() map[string]any {
	fields := map[string]any{
		"state":         r.State,
		"state_changed": r.StateChanged,
	}
	if r.DurationInState != nil {
		fields["duration_in_state"] = *r.DurationInState
	}
	if r.FriendlyName != "" {
		fields["friendly_name"] = r.FriendlyName
	}
	if r.NumericState != nil {
		fields["numeric_state"] = *r.NumericState
	}
	return fields
}

// DeviceEntry is a device row from the hub's device registry.
type DeviceEntry struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	NameByUser   *string `json:"name_by_user"`
	Manufacturer string  `json:"manufacturer"`
	Model        string  `json:"model"`
	SWVersion    string  `json:"sw_version"`
	AreaID       string  `json:"area_id"`
	Identifiers  [][]any `json:"identifiers"`
}

// EntityEntry is an entity row from the hub's entity registry.
type EntityEntry struct {
	EntityID   string `json:"entity_id"`
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	UniqueID   string `json:"unique_id"`
	AreaID     string `json:"area_id"`
	DisabledBy string `json:"disabled_by"`
}

// DevicePayload is the collaborator's device upsert shape.
type DevicePayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SWVersion    string `json:"sw_version"`
	AreaID       string `json:"area_id"`
	Integration  string `json:"integration"`
}

// EntityPayload is the collaborator's entity upsert shape.
type EntityPayload struct {
	EntityID string `json:"entity_id"`
	DeviceID string `json:"device_id"`
	Domain   string `json:"domain"`
	Platform string `json:"platform"`
	UniqueID string `json:"unique_id"`
	AreaID   string `json:"area_id"`
	Disabled bool   `json:"disabled"`
}
