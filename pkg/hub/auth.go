package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// ErrAuthInvalid reports that the hub rejected the access token. The
// supervisor retries these sessions at a slower cadence; hammering an
// invalid token is harmful.
var ErrAuthInvalid = errors.New("hub rejected access token")

// authenticate drives the hub's two-phase auth ritual on a freshly
// upgraded socket: the hub sends auth_required, the client answers with
// the access token, the hub replies auth_ok or auth_invalid. Runs before
// the session goroutines start, so it reads the socket directly under a
// deadline.
func (s *Session) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(s.opts.AuthTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set auth deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	frame, err := s.readFrame(conn)
	if err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if frame.Type != types.MsgAuthRequired {
		return fmt.Errorf("expected auth_required, got %q", frame.Type)
	}
	s.logger.Debug().Str("ha_version", frame.HAVersion).Msg("Hub requested authentication")

	data, err := s.codec.Encode(authRequest{Type: types.MsgAuth, AccessToken: s.opts.Token})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set auth write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	reply, err := s.readFrame(conn)
	if err != nil {
		return fmt.Errorf("failed to read auth reply: %w", err)
	}

	switch reply.Type {
	case types.MsgAuthOK:
		s.logger.Info().Str("ha_version", reply.HAVersion).Msg("Authenticated with hub")
		return nil
	case types.MsgAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthInvalid, reply.Message)
	default:
		return fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
}

// readFrame reads and decodes a single frame, bypassing the dispatch
// queue. Only used during the pre-ACTIVE handshake phases.
func (s *Session) readFrame(conn *websocket.Conn) (*types.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(data)
}
