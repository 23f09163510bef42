package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hearthpipe/hearthpipe/pkg/events"
	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/metrics"
	"github.com/hearthpipe/hearthpipe/pkg/types"
)

var (
	// ErrBufferFull reports that the in-memory buffer is at capacity and
	// the bounded backpressure wait expired. The record is dropped.
	ErrBufferFull = errors.New("batch writer buffer full")

	// ErrWriterUnhealthy reports that the writer hit a fatal store error
	// and stopped accepting records until Reset.
	ErrWriterUnhealthy = errors.New("batch writer is unhealthy")

	// ErrWriterStopped reports an append after shutdown.
	ErrWriterStopped = errors.New("batch writer stopped")
)

// WriterConfig tunes the batch writer.
type WriterConfig struct {
	// BatchSize triggers a flush when the pending batch reaches it
	// (default 100).
	BatchSize int

	// BatchTimeout triggers a flush this long after the oldest buffered
	// record (default 5s).
	BatchTimeout time.Duration

	// Capacity is the hard cap on buffered records (default 10_000).
	Capacity int

	// HighWater is the occupancy below which Append takes its
	// non-blocking fast path (default three quarters of Capacity). Above
	// it Append still enqueues at once while the buffer has room; it does
	// not block until the buffer is full.
	HighWater int

	// AppendWait bounds how long a backpressured Append blocks before
	// the record is rejected (default 2s).
	AppendWait time.Duration

	// MaxRetriesPerBatch bounds write retries for one flush (default 3).
	MaxRetriesPerBatch int

	// RetryBaseDelay is the first write retry delay (default 500ms).
	RetryBaseDelay time.Duration

	// ShutdownFlushDeadline bounds the final flush on shutdown
	// (default 10s).
	ShutdownFlushDeadline time.Duration
}

func (c *WriterConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.Capacity <= 0 {
		c.Capacity = 10_000
	}
	if c.HighWater <= 0 || c.HighWater > c.Capacity {
		c.HighWater = c.Capacity * 3 / 4
	}
	if c.AppendWait <= 0 {
		c.AppendWait = 2 * time.Second
	}
	if c.MaxRetriesPerBatch <= 0 {
		c.MaxRetriesPerBatch = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.ShutdownFlushDeadline <= 0 {
		c.ShutdownFlushDeadline = 10 * time.Second
	}
}

// WriteFailure describes the last write error for the health surface.
type WriteFailure struct {
	Class   WriteClass
	Message string
	At      time.Time
}

// WriterSnapshot is a read-only view of the writer counters.
type WriterSnapshot struct {
	BatchesWritten  int64
	RecordsWritten  int64
	RecordsDropped  int64
	RecordsRejected int64
	BatchRetries    int64
	Buffered        int
	Healthy         bool
	LastWrite       time.Time
	LastError       *WriteFailure
}

// Writer accumulates normalized records and flushes them to the store
// on size or deadline. One internal worker performs all flushes, so
// flushes are strictly sequential; producers only ever touch the buffer
// channel.
type Writer struct {
	cfg    WriterConfig
	store  StoreWriter
	clock  clockwork.Clock
	broker *events.Broker
	logger zerolog.Logger

	ch      chan *types.Record
	flushCh chan chan error
	stopped chan struct{}

	unhealthy atomic.Bool

	batchesWritten  atomic.Int64
	recordsWritten  atomic.Int64
	recordsDropped  atomic.Int64
	recordsRejected atomic.Int64
	batchRetries    atomic.Int64

	mu        sync.Mutex
	lastWrite time.Time
	lastError *WriteFailure
}

// NewWriter creates a batch writer. Start must be called before Append.
func NewWriter(cfg WriterConfig, store StoreWriter, clock clockwork.Clock, broker *events.Broker) *Writer {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Writer{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		broker:  broker,
		logger:  log.WithComponent("batch_writer"),
		ch:      make(chan *types.Record, cfg.Capacity),
		flushCh: make(chan chan error, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the flush worker. The worker drains the buffer until
// ctx is cancelled, then performs a final flush bounded by
// ShutdownFlushDeadline and drops whatever remains.
func (w *Writer) Start(ctx context.Context) {
	go w.worker(ctx)
}

// Stopped is closed once the worker has exited.
func (w *Writer) Stopped() <-chan struct{} {
	return w.stopped
}

// Append buffers one record. While the buffer has room it does not
// block, whether occupancy is below or above the high-water mark;
// occupancy between high water and capacity does not slow producers.
// At capacity it blocks up to AppendWait for the worker to drain, and if
// no slot frees up the record is rejected with ErrBufferFull and counted
// as dropped.
func (w *Writer) Append(ctx context.Context, rec *types.Record) error {
	if w.unhealthy.Load() {
		return ErrWriterUnhealthy
	}
	select {
	case <-w.stopped:
		return ErrWriterStopped
	default:
	}

	if len(w.ch) < w.cfg.HighWater {
		select {
		case w.ch <- rec:
			metrics.BufferOccupancy.Set(float64(len(w.ch)))
			return nil
		default:
			// Raced to capacity; fall through to the bounded wait.
		}
	}

	select {
	case w.ch <- rec:
		metrics.BufferOccupancy.Set(float64(len(w.ch)))
		return nil
	case <-w.clock.After(w.cfg.AppendWait):
		w.recordsDropped.Add(1)
		metrics.RecordsDropped.WithLabelValues("overflow").Inc()
		return ErrBufferFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces a flush of everything currently buffered and waits for
// the result.
func (w *Writer) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushCh <- reply:
	case <-w.stopped:
		return ErrWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the unhealthy flag after a fatal store error has been
// resolved (e.g. credentials rotated).
func (w *Writer) Reset() {
	w.unhealthy.Store(false)
	w.mu.Lock()
	w.lastError = nil
	w.mu.Unlock()
}

// Healthy reports whether the writer accepts records.
func (w *Writer) Healthy() bool {
	return !w.unhealthy.Load()
}

// Snapshot returns the current counters.
func (w *Writer) Snapshot() WriterSnapshot {
	w.mu.Lock()
	lastWrite := w.lastWrite
	var lastErr *WriteFailure
	if w.lastError != nil {
		cp := *w.lastError
		lastErr = &cp
	}
	w.mu.Unlock()

	return WriterSnapshot{
		BatchesWritten:  w.batchesWritten.Load(),
		RecordsWritten:  w.recordsWritten.Load(),
		RecordsDropped:  w.recordsDropped.Load(),
		RecordsRejected: w.recordsRejected.Load(),
		BatchRetries:    w.batchRetries.Load(),
		Buffered:        len(w.ch),
		Healthy:         !w.unhealthy.Load(),
		LastWrite:       lastWrite,
		LastError:       lastErr,
	}
}

// worker is the single flush loop. Records are appended in arrival
// order and written in append order; a deadline timer flushes partial
// batches.
func (w *Writer) worker(ctx context.Context) {
	defer close(w.stopped)

	batch := make([]*types.Record, 0, w.cfg.BatchSize)
	var deadline clockwork.Timer
	var deadlineCh <-chan time.Time

	stopDeadline := func() {
		if deadline != nil {
			deadline.Stop()
			deadline = nil
			deadlineCh = nil
		}
	}

	flush := func(fctx context.Context) error {
		stopDeadline()
		if len(batch) == 0 {
			return nil
		}
		err := w.flushBatch(fctx, batch)
		if err == nil {
			batch = batch[:0]
			metrics.BufferOccupancy.Set(float64(len(w.ch)))
			return nil
		}

		var werr *WriteError
		if errors.As(err, &werr) && werr.Class == ClassInvalid {
			// Nothing in an invalid payload will ever write; drop it.
			w.recordsDropped.Add(int64(len(batch)))
			metrics.RecordsDropped.WithLabelValues("invalid").Add(float64(len(batch)))
			batch = batch[:0]
			return err
		}

		// Retries exhausted or writer unhealthy: retain the records and
		// rearm the deadline so the batch is attempted again. Upstream
		// backpressure bounds memory while the store is down.
		deadline = w.clock.NewTimer(w.cfg.BatchTimeout)
		deadlineCh = deadline.Chan()
		return err
	}

	for {
		select {
		case rec := <-w.ch:
			if len(batch) == 0 {
				deadline = w.clock.NewTimer(w.cfg.BatchTimeout)
				deadlineCh = deadline.Chan()
			}
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				if err := flush(ctx); err != nil {
					w.logger.Error().Err(err).Msg("Batch flush failed")
				}
			}

		case <-deadlineCh:
			if err := flush(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Deadline flush failed")
			}

		case reply := <-w.flushCh:
			w.drainInto(&batch)
			reply <- flush(ctx)

		case <-ctx.Done():
			w.drainInto(&batch)
			w.finalFlush(batch)
			return
		}
	}
}

// drainInto moves everything queued in the buffer channel into the
// pending batch without blocking.
func (w *Writer) drainInto(batch *[]*types.Record) {
	for {
		select {
		case rec := <-w.ch:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

// finalFlush runs the shutdown flush under its own bounded deadline.
// Records that cannot be written before the deadline are dropped and
// counted.
func (w *Writer) finalFlush(batch []*types.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownFlushDeadline)
	defer cancel()

	if err := w.flushBatch(ctx, batch); err != nil {
		w.recordsDropped.Add(int64(len(batch)))
		metrics.RecordsDropped.WithLabelValues("shutdown").Add(float64(len(batch)))
		w.logger.Error().Err(err).Int("records", len(batch)).Msg("Dropping records on shutdown")
	}
}

// flushBatch writes one batch, retrying retryable failures and
// splitting on type conflicts.
func (w *Writer) flushBatch(ctx context.Context, batch []*types.Record) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BatchFlushDuration)

	written, rejected, err := w.writeSplitting(ctx, batch)

	if written > 0 {
		w.batchesWritten.Add(1)
		w.recordsWritten.Add(int64(written))
		metrics.BatchesWritten.Inc()
		metrics.RecordsWritten.Add(float64(written))
		w.mu.Lock()
		w.lastWrite = w.clock.Now()
		w.mu.Unlock()
	}
	if rejected > 0 {
		w.recordsRejected.Add(int64(rejected))
		metrics.RecordsDropped.WithLabelValues("conflict").Add(float64(rejected))
	}

	if err != nil {
		w.noteFailure(err)
		return err
	}

	if w.broker != nil {
		w.broker.Publish(events.Event{Type: events.EventBatchFlushed, Records: written})
	}
	return nil
}

// writeSplitting writes a batch, bisecting on type conflicts so that a
// single offending record cannot poison its batchmates. Schema errors
// are never retried indefinitely: each conflicting half is split until
// the offending records are isolated and dropped.
func (w *Writer) writeSplitting(ctx context.Context, batch []*types.Record) (written, rejected int, err error) {
	werr := w.writeWithRetry(ctx, batch)
	if werr == nil {
		return len(batch), 0, nil
	}

	var wfail *WriteError
	if !errors.As(werr, &wfail) || wfail.Class != ClassConflict {
		return 0, 0, werr
	}

	if len(batch) == 1 {
		w.logger.Warn().
			Str("entity_id", batch[0].EntityID).
			Str("error", wfail.Message).
			Msg("Dropping record with field type conflict")
		return 0, 1, nil
	}

	mid := len(batch) / 2
	leftWritten, leftRejected, err := w.writeSplitting(ctx, batch[:mid])
	if err != nil {
		return leftWritten, leftRejected, err
	}
	rightWritten, rightRejected, err := w.writeSplitting(ctx, batch[mid:])
	return leftWritten + rightWritten, leftRejected + rightRejected, err
}

// writeWithRetry performs one store write with exponential backoff for
// retryable failures. Conflicts and fatal errors return immediately;
// fatal errors flip the writer unhealthy.
func (w *Writer) writeWithRetry(ctx context.Context, batch []*types.Record) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RetryBaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for {
		err := w.store.WriteBatch(ctx, batch)
		if err == nil {
			return nil
		}

		var werr *WriteError
		if !errors.As(err, &werr) {
			werr = &WriteError{Class: ClassRetryable, Message: err.Error()}
		}

		switch werr.Class {
		case ClassRetryable, ClassRateLimited:
			attempts++
			if attempts > w.cfg.MaxRetriesPerBatch {
				return fmt.Errorf("batch write failed after %d retries: %w", w.cfg.MaxRetriesPerBatch, werr)
			}
			delay := bo.NextBackOff()
			if werr.Class == ClassRateLimited && werr.RetryAfter > 0 {
				delay = werr.RetryAfter
			}
			w.batchRetries.Add(1)
			metrics.BatchRetries.Inc()
			w.logger.Warn().Err(werr).Dur("retry_in", delay).Int("attempt", attempts).Msg("Retrying batch write")
			select {
			case <-w.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}

		case ClassFatal:
			w.unhealthy.Store(true)
			if w.broker != nil {
				w.broker.Publish(events.Event{
					Type:    events.EventBatchFailed,
					Reason:  string(werr.Class),
					Err:     werr.Message,
					Records: len(batch),
				})
			}
			return werr

		default:
			// Conflict is handled by the caller via splitting; invalid
			// payloads are not worth retrying.
			return werr
		}
	}
}

func (w *Writer) noteFailure(err error) {
	class := ClassRetryable
	var werr *WriteError
	if errors.As(err, &werr) {
		class = werr.Class
	}
	w.mu.Lock()
	w.lastError = &WriteFailure{Class: class, Message: err.Error(), At: w.clock.Now()}
	w.mu.Unlock()
}
