package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// fakeHub runs a scripted hub endpoint for session tests.
type fakeHub struct {
	server *httptest.Server
	url    string
}

func newFakeHub(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) *fakeHub {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		script(t, conn)
	}))
	t.Cleanup(server.Close)

	return &fakeHub{
		server: server,
		url:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// handshake scripts the auth and subscribe phases and returns the
// subscription's correlation ID.
func handshake(t *testing.T, conn *websocket.Conn, token string) float64 {
	send(t, conn, map[string]any{"type": "auth_required", "ha_version": "x"})

	auth := recv(t, conn)
	assert.Equal(t, "auth", auth["type"])
	assert.Equal(t, token, auth["access_token"])
	send(t, conn, map[string]any{"type": "auth_ok", "ha_version": "x"})

	sub := recv(t, conn)
	assert.Equal(t, "subscribe_events", sub["type"])
	assert.Equal(t, "state_changed", sub["event_type"])
	id := sub["id"].(float64)
	send(t, conn, map[string]any{"id": id, "type": "result", "success": true})
	return id
}

// TestSessionHappyPath tests connect, auth, subscribe and event delivery
func TestSessionHappyPath(t *testing.T) {
	release := make(chan struct{})
	hub := newFakeHub(t, func(t *testing.T, conn *websocket.Conn) {
		id := handshake(t, conn, "TOKEN")

		send(t, conn, map[string]any{
			"id": id, "type": "event",
			"event": map[string]any{
				"event_type": "state_changed",
				"data": map[string]any{
					"entity_id": "light.bedroom",
					"new_state": map[string]any{"state": "on", "attributes": map[string]any{"friendly_name": "Bed"}},
					"old_state": map[string]any{"state": "off", "attributes": map[string]any{}},
				},
				"time_fired": "2025-01-01T00:00:00Z",
				"origin":     "LOCAL",
				"context":    map[string]any{"id": "c1", "parent_id": nil, "user_id": nil},
			},
		})
		<-release
	})

	received := make(chan *types.RawEvent, 1)
	stats := NewStats(nil)

	session := NewSession(Options{
		URL:   hub.url,
		Token: "TOKEN",
		Handler: func(ev *types.RawEvent) {
			received <- ev
		},
		Stats: stats,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Classification, 1)
	go func() {
		class, _ := session.Run(ctx)
		done <- class
	}()

	select {
	case ev := <-received:
		assert.Equal(t, "state_changed", ev.EventType)
		assert.Equal(t, "light.bedroom", ev.Data.EntityID)
		assert.Equal(t, "on", ev.Data.NewState.State)
		assert.Equal(t, "c1", ev.Context.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	require.Eventually(t, func() bool {
		snap := stats.Snapshot()
		return snap.State == StateActive && snap.Subscribed &&
			snap.Successful == 1 && snap.EventsReceived == 1
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	cancel()

	select {
	case class := <-done:
		assert.Equal(t, CloseCanceled, class)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
}

// TestSessionAuthInvalid tests the auth rejection classification
func TestSessionAuthInvalid(t *testing.T) {
	hub := newFakeHub(t, func(t *testing.T, conn *websocket.Conn) {
		send(t, conn, map[string]any{"type": "auth_required", "ha_version": "x"})
		recv(t, conn)
		send(t, conn, map[string]any{"type": "auth_invalid", "message": "bad token"})
	})

	session := NewSession(Options{URL: hub.url, Token: "WRONG", Stats: NewStats(nil)})

	class, err := session.Run(context.Background())
	assert.Equal(t, CloseAuthFailed, class)
	assert.ErrorIs(t, err, ErrAuthInvalid)
}

// TestSessionSubscribeRefused tests subscription failure handling
func TestSessionSubscribeRefused(t *testing.T) {
	hub := newFakeHub(t, func(t *testing.T, conn *websocket.Conn) {
		send(t, conn, map[string]any{"type": "auth_required", "ha_version": "x"})
		recv(t, conn)
		send(t, conn, map[string]any{"type": "auth_ok", "ha_version": "x"})

		sub := recv(t, conn)
		send(t, conn, map[string]any{"id": sub["id"], "type": "result", "success": false})
	})

	session := NewSession(Options{URL: hub.url, Token: "TOKEN", Stats: NewStats(nil)})

	class, err := session.Run(context.Background())
	assert.Equal(t, CloseSubscribeFailed, class)
	assert.Error(t, err)
}

// TestSessionSocketDrop tests that a dropped socket ends the session
// with a socket classification
func TestSessionSocketDrop(t *testing.T) {
	hub := newFakeHub(t, func(t *testing.T, conn *websocket.Conn) {
		handshake(t, conn, "TOKEN")
		// Drop the connection abruptly.
		conn.Close() //nolint:errcheck
	})

	session := NewSession(Options{URL: hub.url, Token: "TOKEN", Stats: NewStats(nil)})

	class, err := session.Run(context.Background())
	assert.Equal(t, CloseSocketError, class)
	assert.Error(t, err)
}

// TestSessionDialFailure tests classification when the hub is
// unreachable
func TestSessionDialFailure(t *testing.T) {
	session := NewSession(Options{
		URL:         "ws://127.0.0.1:1/api/websocket",
		Token:       "TOKEN",
		DialTimeout: time.Second,
		Stats:       NewStats(nil),
	})

	class, err := session.Run(context.Background())
	assert.Equal(t, CloseDialFailed, class)
	assert.Error(t, err)
}

// TestSessionMalformedFrameThreshold tests that a run of consecutive
// malformed frames kills the session while a single one does not
func TestSessionMalformedFrameThreshold(t *testing.T) {
	hub := newFakeHub(t, func(t *testing.T, conn *websocket.Conn) {
		id := handshake(t, conn, "TOKEN")

		// One malformed frame is tolerated...
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{garbage")))
		send(t, conn, map[string]any{
			"id": id, "type": "event",
			"event": map[string]any{
				"event_type": "state_changed",
				"data": map[string]any{
					"entity_id": "light.a",
					"new_state": map[string]any{"state": "on"},
					"old_state": map[string]any{"state": "off"},
				},
				"context": map[string]any{"id": "c"},
			},
		})

		// ...but a run of them is not.
		for i := 0; i < malformedFrameLimit; i++ {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{garbage")))
		}
		// Keep the socket open; the client should close.
		time.Sleep(2 * time.Second)
	})

	received := make(chan *types.RawEvent, 1)
	session := NewSession(Options{
		URL:     hub.url,
		Token:   "TOKEN",
		Handler: func(ev *types.RawEvent) { received <- ev },
		Stats:   NewStats(nil),
	})

	class, err := session.Run(context.Background())
	assert.Equal(t, CloseProtocolError, class)
	assert.ErrorIs(t, err, ErrTooManyMalformed)

	select {
	case ev := <-received:
		assert.Equal(t, "light.a", ev.Data.EntityID)
	default:
		t.Fatal("event between malformed frames was not delivered")
	}
}

// TestSessionCall tests the request/result RPC path used by discovery
func TestSessionCall(t *testing.T) {
	hub := newFakeHub(t, func(t *testing.T, conn *websocket.Conn) {
		handshake(t, conn, "TOKEN")

		req := recv(t, conn)
		assert.Equal(t, "config/device_registry/list", req["type"])
		send(t, conn, map[string]any{
			"id": req["id"], "type": "result", "success": true,
			"result": []map[string]any{{"id": "dev1", "name": "Lamp"}},
		})
		time.Sleep(2 * time.Second)
	})

	result := make(chan []byte, 1)
	session := NewSession(Options{
		URL:   hub.url,
		Token: "TOKEN",
		OnActive: func(ctx context.Context, s *Session) {
			raw, err := s.Call(ctx, types.MsgDeviceRegistryList)
			require.NoError(t, err)
			result <- raw
		},
		Stats: NewStats(nil),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx) //nolint:errcheck

	select {
	case raw := <-result:
		var devices []types.DeviceEntry
		require.NoError(t, json.Unmarshal(raw, &devices))
		require.Len(t, devices, 1)
		assert.Equal(t, "dev1", devices[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("RPC result not delivered")
	}
}

// TestSupervisorReconnect tests the full drop-and-reconnect path: a
// dropped socket leads to a fresh session that authenticates and
// resubscribes
func TestSupervisorReconnect(t *testing.T) {
	connections := make(chan struct{}, 4)
	release := make(chan struct{})
	var conns int

	hub := newFakeHub(t, func(t *testing.T, conn *websocket.Conn) {
		conns++
		handshake(t, conn, "TOKEN")
		connections <- struct{}{}
		if conns == 1 {
			// First session: drop the socket immediately.
			return
		}
		<-release
	})

	stats := NewStats(nil)
	runSession := func(ctx context.Context) (Classification, error) {
		session := NewSession(Options{URL: hub.url, Token: "TOKEN", Stats: stats})
		return session.Run(ctx)
	}

	sup := NewSupervisor(SupervisorConfig{
		MaxRetries: -1,
		BaseDelay:  10 * time.Millisecond,
	}, runSession, stats, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sup.Run(ctx) //nolint:errcheck
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-connections:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d never became active", i+1)
		}
	}

	require.Eventually(t, func() bool {
		snap := stats.Snapshot()
		return snap.Attempts == 2 && snap.Successful == 2
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	cancel()
	<-done
}
