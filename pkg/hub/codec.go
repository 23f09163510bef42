package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// ErrMalformedFrame is returned by Decode for frames that are not valid
// protocol JSON. Malformed frames are counted by the session; only a run
// of consecutive failures kills the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// Codec serializes outgoing requests, deserializes incoming frames and
// issues correlation IDs. IDs are monotonically increasing and unique
// within a session; each session owns exactly one Codec.
type Codec struct {
	nextID atomic.Int64
}

// NextID returns the next correlation ID.
func (c *Codec) NextID() int64 {
	return c.nextID.Add(1)
}

// Encode serializes an outgoing request. Requests without a type field
// are rejected before anything is written to the socket.
func (c *Codec) Encode(req any) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type == "" {
		return nil, fmt.Errorf("request has no type field")
	}
	return data, nil
}

// Decode parses an incoming frame.
func (c *Codec) Decode(data []byte) (*types.Frame, error) {
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &frame, nil
}

// Outgoing request shapes of the hub protocol.

type authRequest struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeRequest struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

type idRequest struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}
