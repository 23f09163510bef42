package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthpipe_connection_attempts_total",
			Help: "Total number of hub connection attempts",
		},
	)

	ConnectionsSucceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthpipe_connections_succeeded_total",
			Help: "Total number of successfully authenticated hub sessions",
		},
	)

	ConnectionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthpipe_connections_failed_total",
			Help: "Total number of failed or ended hub sessions by close reason",
		},
		[]string{"reason"},
	)

	SessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthpipe_session_active",
			Help: "Whether a hub session is currently active (1 = active)",
		},
	)

	// Event pipeline metrics
	EventsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthpipe_events_received_total",
			Help: "Total number of event frames received from the hub",
		},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthpipe_events_dropped_total",
			Help: "Total number of events dropped before normalization by cause",
		},
		[]string{"cause"},
	)

	EventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthpipe_events_rejected_total",
			Help: "Total number of events rejected by validation by reason",
		},
		[]string{"reason"},
	)

	MalformedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthpipe_malformed_frames_total",
			Help: "Total number of frames that failed to decode",
		},
	)

	// Batch writer metrics
	RecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthpipe_records_written_total",
			Help: "Total number of normalized records written to the store",
		},
	)

	BatchesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthpipe_batches_written_total",
			Help: "Total number of batches flushed to the store",
		},
	)

	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthpipe_records_dropped_total",
			Help: "Total number of records dropped by cause (overflow, conflict, shutdown)",
		},
		[]string{"cause"},
	)

	BatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthpipe_batch_retries_total",
			Help: "Total number of batch write retries",
		},
	)

	BatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearthpipe_batch_flush_duration_seconds",
			Help:    "Time taken to flush a batch to the store in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BufferOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthpipe_buffer_occupancy",
			Help: "Current number of records buffered in the batch writer",
		},
	)

	// Discovery metrics
	DiscoveryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthpipe_discovery_runs_total",
			Help: "Total number of registry discovery runs by status",
		},
		[]string{"status"},
	)

	RegistryEntities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthpipe_registry_entities",
			Help: "Number of entities in the current registry cache snapshot",
		},
	)

	MetadataUpserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthpipe_metadata_upserts_total",
			Help: "Total number of bulk upserts to the metadata collaborator by kind and status",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectionAttempts)
	prometheus.MustRegister(ConnectionsSucceeded)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(SessionActive)
	prometheus.MustRegister(EventsReceived)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventsRejected)
	prometheus.MustRegister(MalformedFrames)
	prometheus.MustRegister(RecordsWritten)
	prometheus.MustRegister(BatchesWritten)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(BatchRetries)
	prometheus.MustRegister(BatchFlushDuration)
	prometheus.MustRegister(BufferOccupancy)
	prometheus.MustRegister(DiscoveryRuns)
	prometheus.MustRegister(RegistryEntities)
	prometheus.MustRegister(MetadataUpserts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation for a duration histogram. The batch writer
// wraps each flush in one:
//
//	timer := metrics.NewTimer()
//	defer timer.ObserveDuration(metrics.BatchFlushDuration)
type Timer struct {
	begun time.Time
}

// NewTimer starts timing now.
func NewTimer() *Timer {
	return &Timer{begun: time.Now()}
}

// ObserveDuration records the elapsed seconds into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.begun)
}
