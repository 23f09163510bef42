package api

import (
	"context"
	"encoding/json"
	"net/http"
	_ "net/http/pprof" // pprof handlers on the health mux
	"time"

	"github.com/hearthpipe/hearthpipe/pkg/health"
	"github.com/hearthpipe/hearthpipe/pkg/hub"
	"github.com/hearthpipe/hearthpipe/pkg/metrics"
	"github.com/hearthpipe/hearthpipe/pkg/normalize"
	"github.com/hearthpipe/hearthpipe/pkg/sink"
)

// ConnectionStats is the accessor the server uses to read hub counters.
type ConnectionStats func() hub.Snapshot

// WriterStats is the accessor for batch writer counters.
type WriterStats func() sink.WriterSnapshot

// PipelineStats is the accessor for normalizer counters.
type PipelineStats func() normalize.NormalizerSnapshot

// HealthServer exposes liveness, readiness and metrics over HTTP. It
// only reads snapshots; it never reaches into live components.
type HealthServer struct {
	connection ConnectionStats
	writer     WriterStats
	pipeline   PipelineStats
	tracker    *Tracker
	checks     []health.Checker
	started    time.Time
	mux        *http.ServeMux
	server     *http.Server
}

// NewHealthServer creates the health surface. Any accessor may be nil,
// in which case its section reports zeros.
func NewHealthServer(conn ConnectionStats, writer WriterStats, pipeline PipelineStats, tracker *Tracker, checks ...health.Checker) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		connection: conn,
		writer:     writer,
		pipeline:   pipeline,
		tracker:    tracker,
		checks:     checks,
		started:    time.Now(),
		mux:        mux,
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	return hs
}

// Start starts the health check HTTP server
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return hs.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// HealthResponse is the /health response body.
type HealthResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Connection    ConnectionSection   `json:"connection"`
	Subscription  SubscriptionSection `json:"subscription"`
	Writer        WriterSection       `json:"writer"`
	Pipeline      PipelineSection     `json:"pipeline"`
}

// ConnectionSection reports session lifecycle counters.
type ConnectionSection struct {
	IsRunning  bool   `json:"is_running"`
	State      string `json:"state"`
	Attempts   int64  `json:"attempts"`
	Successful int64  `json:"successful"`
	Failed     int64  `json:"failed"`
}

// SubscriptionSection reports event subscription counters.
type SubscriptionSection struct {
	IsSubscribed        bool  `json:"is_subscribed"`
	TotalEventsReceived int64 `json:"total_events_received"`
	EventRatePerMinute  int64 `json:"event_rate_per_minute"`
}

// WriterSection reports batch writer counters.
type WriterSection struct {
	Batches   int64      `json:"batches"`
	Records   int64      `json:"records"`
	Dropped   int64      `json:"dropped"`
	Buffered  int        `json:"buffered"`
	LastWrite *time.Time `json:"last_write,omitempty"`
	LastError *LastError `json:"last_error,omitempty"`
}

// PipelineSection reports normalizer counters.
type PipelineSection struct {
	EventsAccepted int64 `json:"events_accepted"`
	EventsRejected int64 `json:"events_rejected"`
	EventsSkipped  int64 `json:"events_skipped"`
}

// LastError names the latest failure and when it happened.
type LastError struct {
	Classification string    `json:"classification"`
	Message        string    `json:"message,omitempty"`
	At             time.Time `json:"at"`
}

// healthHandler implements the /health endpoint: a full counter
// snapshot plus the derived overall status.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:        "unhealthy",
		UptimeSeconds: time.Since(hs.started).Seconds(),
	}

	writerHealthy := true
	if hs.writer != nil {
		ws := hs.writer()
		writerHealthy = ws.Healthy
		resp.Writer = WriterSection{
			Batches:  ws.BatchesWritten,
			Records:  ws.RecordsWritten,
			Dropped:  ws.RecordsDropped + ws.RecordsRejected,
			Buffered: ws.Buffered,
		}
		if !ws.LastWrite.IsZero() {
			t := ws.LastWrite
			resp.Writer.LastWrite = &t
		}
		if ws.LastError != nil {
			resp.Writer.LastError = &LastError{
				Classification: string(ws.LastError.Class),
				Message:        ws.LastError.Message,
				At:             ws.LastError.At,
			}
		}
	}

	sessionActive := false
	if hs.connection != nil {
		cs := hs.connection()
		sessionActive = cs.State == hub.StateActive
		resp.Connection = ConnectionSection{
			IsRunning:  cs.State != hub.StateIdle && cs.State != hub.StateClosed,
			State:      string(cs.State),
			Attempts:   cs.Attempts,
			Successful: cs.Successful,
			Failed:     cs.Failed,
		}
		resp.Subscription = SubscriptionSection{
			IsSubscribed:        cs.Subscribed,
			TotalEventsReceived: cs.EventsReceived,
			EventRatePerMinute:  cs.EventRatePerMinute,
		}
	}

	if hs.pipeline != nil {
		ps := hs.pipeline()
		resp.Pipeline = PipelineSection{
			EventsAccepted: ps.Accepted,
			EventsRejected: ps.Rejected,
			EventsSkipped:  ps.Skipped,
		}
	}

	if resp.Writer.LastError == nil && hs.tracker != nil {
		resp.Writer.LastError = hs.tracker.LastError()
	}

	if sessionActive && writerHealthy {
		resp.Status = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadyResponse is the /ready response body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// readyHandler implements the /ready endpoint: ready once a session has
// authenticated at least once and the external collaborators respond to
// their probes.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.connection != nil {
		cs := hs.connection()
		if cs.Successful > 0 {
			checks["hub"] = "connected"
		} else {
			checks["hub"] = "no successful session yet"
			ready = false
			message = "Waiting for first hub session"
		}
	}

	for _, check := range hs.checks {
		result := check.Check(r.Context())
		if result.Healthy {
			checks[check.Name()] = "ok"
		} else {
			checks[check.Name()] = result.Message
			ready = false
			if message == "" {
				message = check.Name() + " not reachable"
			}
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	resp := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
