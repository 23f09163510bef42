package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/metrics"
)

// SessionFunc runs one full session lifecycle and reports how it ended.
type SessionFunc func(ctx context.Context) (Classification, error)

// SupervisorConfig tunes the top-level retry loop.
type SupervisorConfig struct {
	// MaxRetries bounds consecutive failed sessions; negative means
	// retry forever.
	MaxRetries int

	// BaseDelay is the first retry delay (default 1s).
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff (default 300s).
	MaxDelay time.Duration

	// SuccessThreshold is how long a session must stay up before the
	// attempt counter resets (default 60s).
	SuccessThreshold time.Duration

	// AuthFailureMinDelay is the slowest cadence floor applied after
	// auth_invalid (default 60s).
	AuthFailureMinDelay time.Duration
}

func (c *SupervisorConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 300 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 60 * time.Second
	}
	if c.AuthFailureMinDelay <= 0 {
		c.AuthFailureMinDelay = 60 * time.Second
	}
}

// Supervisor keeps one session alive indefinitely. Each ended session is
// logged, counted and rescheduled with exponential backoff; the backoff
// resets after a session survives the success threshold.
type Supervisor struct {
	cfg    SupervisorConfig
	run    SessionFunc
	stats  *Stats
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewSupervisor creates a supervisor driving sessions produced by run.
func NewSupervisor(cfg SupervisorConfig, run SessionFunc, stats *Stats, clock clockwork.Clock) *Supervisor {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:    cfg,
		run:    run,
		stats:  stats,
		clock:  clock,
		logger: log.WithComponent("supervisor"),
	}
}

// Run is the top-level control loop. It returns nil when ctx is
// cancelled and an error only when MaxRetries >= 0 is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = s.cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.stats.Attempt()
		metrics.ConnectionAttempts.Inc()
		attempt := s.stats.Snapshot().Attempts
		s.logger.Info().Int64("attempt", attempt).Msg("Starting hub session")

		start := s.clock.Now()
		class, err := s.run(ctx)
		elapsed := s.clock.Since(start)

		if ctx.Err() != nil {
			s.logger.Info().Msg("Supervisor stopped")
			return nil
		}

		s.stats.Failed()
		metrics.ConnectionsFailed.WithLabelValues(string(class)).Inc()

		// A session that stayed up long enough proves the config and
		// network are sound again; restart the backoff schedule.
		if elapsed >= s.cfg.SuccessThreshold {
			bo.Reset()
			failures = 0
		}
		failures++

		if s.cfg.MaxRetries >= 0 && failures > s.cfg.MaxRetries {
			return fmt.Errorf("giving up after %d consecutive session failures: %w", failures, err)
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
		if class == CloseAuthFailed && delay < s.cfg.AuthFailureMinDelay {
			delay = s.cfg.AuthFailureMinDelay
		}

		s.logger.Warn().
			Err(err).
			Str("reason", string(class)).
			Dur("session_duration", elapsed).
			Dur("retry_in", delay).
			Int("consecutive_failures", failures).
			Msg("Session ended, rescheduling")

		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}
