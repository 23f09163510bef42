package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthpipe/hearthpipe/pkg/events"
	"github.com/hearthpipe/hearthpipe/pkg/hub"
	"github.com/hearthpipe/hearthpipe/pkg/normalize"
	"github.com/hearthpipe/hearthpipe/pkg/sink"
)

func fixedConnection(snap hub.Snapshot) ConnectionStats {
	return func() hub.Snapshot { return snap }
}

func fixedWriter(snap sink.WriterSnapshot) WriterStats {
	return func() sink.WriterSnapshot { return snap }
}

func fixedPipeline(snap normalize.NormalizerSnapshot) PipelineStats {
	return func() normalize.NormalizerSnapshot { return snap }
}

// TestHealthHandler tests the /health endpoint status derivation and
// counter reporting
func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		state      hub.SessionState
		healthy    bool
		wantStatus string
	}{
		{
			name:       "active session and healthy writer",
			state:      hub.StateActive,
			healthy:    true,
			wantStatus: "healthy",
		},
		{
			name:       "reconnecting session",
			state:      hub.StateConnecting,
			healthy:    true,
			wantStatus: "unhealthy",
		},
		{
			name:       "fatal writer",
			state:      hub.StateActive,
			healthy:    false,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer(
				fixedConnection(hub.Snapshot{
					State:              tt.state,
					Attempts:           3,
					Successful:         2,
					Failed:             1,
					Subscribed:         tt.state == hub.StateActive,
					EventsReceived:     42,
					EventRatePerMinute: 7,
				}),
				fixedWriter(sink.WriterSnapshot{
					BatchesWritten: 5,
					RecordsWritten: 420,
					Healthy:        tt.healthy,
					LastWrite:      time.Now(),
				}),
				fixedPipeline(normalize.NormalizerSnapshot{Accepted: 40, Rejected: 2}),
				nil,
			)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			hs.healthHandler(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp HealthResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, int64(3), resp.Connection.Attempts)
			assert.Equal(t, int64(2), resp.Connection.Successful)
			assert.Equal(t, int64(1), resp.Connection.Failed)
			assert.Equal(t, int64(42), resp.Subscription.TotalEventsReceived)
			assert.Equal(t, int64(7), resp.Subscription.EventRatePerMinute)
			assert.Equal(t, int64(5), resp.Writer.Batches)
			assert.Equal(t, int64(420), resp.Writer.Records)
			assert.Equal(t, int64(2), resp.Pipeline.EventsRejected)
		})
	}
}

// TestHealthHandlerMethodNotAllowed tests HTTP method restrictions
func TestHealthHandlerMethodNotAllowed(t *testing.T) {
	hs := NewHealthServer(nil, nil, nil, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/health", nil)
		w := httptest.NewRecorder()
		hs.healthHandler(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	}
}

// TestHealthHandlerLastError tests that write failures surface in the
// response
func TestHealthHandlerLastError(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hs := NewHealthServer(
		fixedConnection(hub.Snapshot{State: hub.StateActive}),
		fixedWriter(sink.WriterSnapshot{
			Healthy:   false,
			LastError: &sink.WriteFailure{Class: sink.ClassFatal, Message: "unauthorized", At: at},
		}),
		nil,
		nil,
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.healthHandler(w, req)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "unhealthy", resp.Status)
	require.NotNil(t, resp.Writer.LastError)
	assert.Equal(t, "fatal", resp.Writer.LastError.Classification)
	assert.True(t, resp.Writer.LastError.At.Equal(at))
}

// TestReadyHandler tests readiness gating on the first successful
// session
func TestReadyHandler(t *testing.T) {
	t.Run("not ready before first session", func(t *testing.T) {
		hs := NewHealthServer(fixedConnection(hub.Snapshot{Successful: 0}), nil, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		w := httptest.NewRecorder()
		hs.readyHandler(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp ReadyResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "not ready", resp.Status)
	})

	t.Run("ready after first session", func(t *testing.T) {
		hs := NewHealthServer(fixedConnection(hub.Snapshot{Successful: 1}), nil, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		w := httptest.NewRecorder()
		hs.readyHandler(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp ReadyResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, "connected", resp.Checks["hub"])
	})
}

// TestTrackerLastError tests last-error derivation from lifecycle
// events
func TestTrackerLastError(t *testing.T) {
	broker := events.NewBroker()
	defer broker.Close()

	tracker := NewTracker(broker)
	defer tracker.Stop()

	assert.Nil(t, tracker.LastError())

	// Healthy traffic never reaches the tracker.
	broker.Publish(events.Event{Type: events.EventBatchFlushed, Records: 100})
	broker.Publish(events.Event{Type: events.EventSessionAuthFailed, Err: "bad token"})

	require.Eventually(t, func() bool {
		return tracker.LastError() != nil
	}, 5*time.Second, 10*time.Millisecond)

	lastErr := tracker.LastError()
	assert.Equal(t, "AuthFailed", lastErr.Classification)
	assert.Equal(t, "bad token", lastErr.Message)

	broker.Publish(events.Event{
		Type:   events.EventSessionClosed,
		Reason: "ping_timeout",
		Err:    "no frame received",
	})
	require.Eventually(t, func() bool {
		le := tracker.LastError()
		return le != nil && le.Classification == "ping_timeout"
	}, 5*time.Second, 10*time.Millisecond)
}
