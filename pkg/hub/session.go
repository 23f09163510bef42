package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hearthpipe/hearthpipe/pkg/events"
	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/metrics"
	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// Classification describes why a session ended. The supervisor uses it to
// pick the retry cadence.
type Classification string

const (
	CloseDialFailed      Classification = "dial_failed"
	CloseAuthFailed      Classification = "auth_failed"
	CloseSubscribeFailed Classification = "subscribe_failed"
	ClosePingTimeout     Classification = "ping_timeout"
	CloseSocketError     Classification = "socket_error"
	CloseProtocolError   Classification = "protocol_error"
	CloseCanceled        Classification = "canceled"
)

var (
	// ErrPingTimeout reports that no frame arrived within the silence
	// window.
	ErrPingTimeout = errors.New("no frame received within silence timeout")

	// ErrTooManyMalformed reports a run of consecutive undecodable frames.
	ErrTooManyMalformed = errors.New("too many consecutive malformed frames")
)

// malformedFrameLimit is the number of consecutive malformed frames after
// which the session gives up on the connection.
const malformedFrameLimit = 10

// Options configures a session.
type Options struct {
	URL   string
	Token string

	PingInterval   time.Duration
	SilenceTimeout time.Duration

	DialTimeout      time.Duration
	AuthTimeout      time.Duration
	SubscribeTimeout time.Duration
	WriteTimeout     time.Duration
	CallTimeout      time.Duration

	// Handler receives each state_changed event, in receive order.
	Handler EventHandler

	// OnActive is invoked once, in its own goroutine, after the session
	// reaches ACTIVE. Used to spawn registry discovery.
	OnActive func(ctx context.Context, s *Session)

	Clock  clockwork.Clock
	Stats  *Stats
	Broker *events.Broker
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = 90 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Session owns one connected WebSocket lifecycle end to end: dial,
// authenticate, subscribe, discover, dispatch. It exclusively owns its
// codec, subscription state and in-flight correlation IDs; a new Session
// is built for every reconnect.
type Session struct {
	id     string
	opts   Options
	codec  *Codec
	subs   *SubscriptionManager
	logger zerolog.Logger
	clock  clockwork.Clock

	conn  *websocket.Conn
	outCh chan []byte
	inCh  chan *types.Frame

	pendingMu sync.Mutex
	pending   map[int64]chan *types.Frame

	lastFrame frameTime
}

// NewSession creates a session for a single connection attempt.
func NewSession(opts Options) *Session {
	opts.applyDefaults()
	id := uuid.NewString()[:8]
	return &Session{
		id:      id,
		opts:    opts,
		codec:   &Codec{},
		subs:    NewSubscriptionManager(),
		logger:  log.WithSessionID(id),
		clock:   opts.Clock,
		outCh:   make(chan []byte, 64),
		inCh:    make(chan *types.Frame, 256),
		pending: make(map[int64]chan *types.Frame),
	}
}

// ID returns the session identifier used in logs and lifecycle events.
func (s *Session) ID() string {
	return s.id
}

// Run drives the session through its state machine and blocks until the
// socket closes, a liveness check fails, or ctx is cancelled. The
// returned classification tells the supervisor why the session ended.
func (s *Session) Run(ctx context.Context) (Classification, error) {
	stats := s.opts.Stats

	s.setState(stats, StateConnecting)
	s.emit(events.Event{Type: events.EventSessionConnecting, Message: "dialing hub"})

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		s.setState(stats, StateClosed)
		return CloseDialFailed, fmt.Errorf("failed to dial hub: %w", err)
	}
	s.conn = conn
	defer conn.Close() //nolint:errcheck

	s.setState(stats, StateAuthenticating)
	if err := s.authenticate(conn); err != nil {
		s.setState(stats, StateClosed)
		if errors.Is(err, ErrAuthInvalid) {
			s.emit(events.Event{Type: events.EventSessionAuthFailed, Err: err.Error(), Message: "authentication rejected"})
			return CloseAuthFailed, err
		}
		return CloseSocketError, err
	}

	s.lastFrame.store(s.clock.Now())

	// The socket is mutated only by writeLoop; readLoop is the only
	// reader. Everything else talks through channels.
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)

	// ReadMessage does not honor context cancellation; closing the
	// socket is what unblocks the reader.
	go func() {
		<-gctx.Done()
		conn.Close() //nolint:errcheck
	}()

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.handleLoop(gctx) })
	g.Go(func() error { return s.watchdog(gctx) })

	s.setState(stats, StateSubscribing)
	if err := s.subscribe(gctx, types.EventTypeStateChanged); err != nil {
		cancel()
		_ = g.Wait()
		s.setState(stats, StateClosed)
		return CloseSubscribeFailed, err
	}

	s.setState(stats, StateActive)
	if stats != nil {
		stats.Connected()
		stats.SetSubscribed(true)
	}
	metrics.ConnectionsSucceeded.Inc()
	metrics.SessionActive.Set(1)
	defer metrics.SessionActive.Set(0)
	s.emit(events.Event{Type: events.EventSessionConnected, Message: "session active"})
	s.logger.Info().Msg("Session active, consuming events")

	if s.opts.OnActive != nil {
		go s.opts.OnActive(gctx, s)
	}

	err = g.Wait()
	s.setState(stats, StateClosed)

	if ctx.Err() != nil {
		s.shutdown()
		s.emit(events.Event{Type: events.EventSessionClosed, Reason: string(CloseCanceled), Message: "session cancelled"})
		return CloseCanceled, nil
	}

	class := classify(err)
	s.emit(events.Event{
		Type:    events.EventSessionClosed,
		Reason:  string(class),
		Err:     fmt.Sprintf("%v", err),
		Message: "session ended",
	})
	return class, err
}

// Call sends a request of the given type and waits for the correlated
// result frame. Used for registry RPCs and anything else that follows
// the request/result pattern.
func (s *Session) Call(ctx context.Context, msgType string) (result []byte, err error) {
	id := s.codec.NextID()
	data, err := s.codec.Encode(idRequest{ID: id, Type: msgType})
	if err != nil {
		return nil, err
	}

	ch := s.addPending(id)
	defer s.removePending(id)

	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	if err := s.enqueue(cctx, data); err != nil {
		return nil, err
	}

	select {
	case frame := <-ch:
		if frame.Success == nil || !*frame.Success {
			if frame.Error != nil {
				return nil, fmt.Errorf("hub rejected %s: %s (%s)", msgType, frame.Error.Message, frame.Error.Code)
			}
			return nil, fmt.Errorf("hub rejected %s", msgType)
		}
		return frame.Result, nil
	case <-cctx.Done():
		return nil, fmt.Errorf("%s: %w", msgType, cctx.Err())
	}
}

// subscribe registers the event handler and performs the
// subscribe_events exchange.
func (s *Session) subscribe(ctx context.Context, eventType string) error {
	id := s.codec.NextID()

	// Register the subscription before the request goes out so no event
	// frame can arrive unrouted.
	s.subs.Add(id, eventType, s.handleEvent)

	data, err := s.codec.Encode(subscribeRequest{ID: id, Type: types.MsgSubscribeEvents, EventType: eventType})
	if err != nil {
		return err
	}

	ch := s.addPending(id)
	defer s.removePending(id)

	sctx, cancel := context.WithTimeout(ctx, s.opts.SubscribeTimeout)
	defer cancel()

	if err := s.enqueue(sctx, data); err != nil {
		s.subs.Cancel(id)
		return fmt.Errorf("failed to send subscribe_events: %w", err)
	}

	select {
	case frame := <-ch:
		if frame.Success == nil || !*frame.Success {
			s.subs.Cancel(id)
			return fmt.Errorf("hub refused subscription to %s", eventType)
		}
		s.logger.Info().Int64("subscription_id", id).Str("event_type", eventType).Msg("Subscribed to events")
		return nil
	case <-sctx.Done():
		s.subs.Cancel(id)
		return fmt.Errorf("subscribe_events: %w", sctx.Err())
	}
}

// handleEvent is the subscription handler: counts the event and hands it
// to the configured pipeline handler.
func (s *Session) handleEvent(event *types.RawEvent) {
	if s.opts.Stats != nil {
		s.opts.Stats.EventReceived()
	}
	metrics.EventsReceived.Inc()

	if s.opts.Handler != nil {
		s.opts.Handler(event)
	}
}

// readLoop reads frames off the socket and hands them to the dispatch
// queue in receive order.
func (s *Session) readLoop(ctx context.Context) error {
	malformed := 0
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("socket read failed: %w", err)
		}

		frame, err := s.codec.Decode(data)
		if err != nil {
			malformed++
			metrics.MalformedFrames.Inc()
			s.logger.Debug().Err(err).Int("consecutive", malformed).Msg("Dropping malformed frame")
			if malformed >= malformedFrameLimit {
				return fmt.Errorf("%w (%d)", ErrTooManyMalformed, malformed)
			}
			continue
		}
		malformed = 0
		s.lastFrame.store(s.clock.Now())

		select {
		case s.inCh <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop serializes all socket writes. No other goroutine touches the
// connection for writing.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case data := <-s.outCh:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return fmt.Errorf("failed to set write deadline: %w", err)
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("socket write failed: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleLoop consumes dispatched frames: events go to the subscription
// manager, results to the pending-call table, everything else is logged
// and ignored.
func (s *Session) handleLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-s.inCh:
			switch frame.Type {
			case types.MsgEvent:
				if !s.subs.Dispatch(frame) {
					metrics.EventsDropped.WithLabelValues("unrouted").Inc()
					s.logger.Debug().Int64("id", frame.ID).Msg("Event frame with no matching subscription")
				}
			case types.MsgResult:
				if !s.resolvePending(frame) {
					// Duplicate correlation ID in response: log, ignore.
					s.logger.Debug().Int64("id", frame.ID).Msg("Result frame with no pending call")
				}
			case types.MsgPong:
				// Liveness is tracked by lastFrame; nothing else to do.
			default:
				s.logger.Debug().Str("type", frame.Type).Msg("Ignoring unknown message type")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchdog sends the application-level ping and enforces the silence
// timeout.
func (s *Session) watchdog(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if s.clock.Since(s.lastFrame.load()) > s.opts.SilenceTimeout {
				return fmt.Errorf("%w (silence > %s)", ErrPingTimeout, s.opts.SilenceTimeout)
			}
			data, err := s.codec.Encode(idRequest{ID: s.codec.NextID(), Type: types.MsgPing})
			if err != nil {
				return err
			}
			if err := s.enqueue(ctx, data); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// enqueue submits an outgoing frame to the single writer.
func (s *Session) enqueue(ctx context.Context, data []byte) error {
	select {
	case s.outCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) addPending(id int64) chan *types.Frame {
	ch := make(chan *types.Frame, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Session) removePending(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) resolvePending(frame *types.Frame) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- frame
	return true
}

// shutdown tears the session down gracefully: cancel subscriptions and
// send a close frame before the deferred conn.Close.
func (s *Session) shutdown() {
	for _, sub := range s.subs.List() {
		s.subs.Cancel(sub.ID)
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (s *Session) setState(stats *Stats, state SessionState) {
	if stats != nil {
		stats.SetState(state)
	}
	s.logger.Debug().Str("state", string(state)).Msg("Session state changed")
}

func (s *Session) emit(ev events.Event) {
	if s.opts.Broker == nil {
		return
	}
	ev.SessionID = s.id
	s.opts.Broker.Publish(ev)
}

// classify maps a session error to its close classification.
func classify(err error) Classification {
	switch {
	case err == nil:
		return CloseCanceled
	case errors.Is(err, ErrPingTimeout):
		return ClosePingTimeout
	case errors.Is(err, ErrTooManyMalformed):
		return CloseProtocolError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CloseCanceled
	default:
		return CloseSocketError
	}
}

// frameTime guards the last-received-frame instant shared between the
// read loop and the watchdog.
type frameTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *frameTime) store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *frameTime) load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
