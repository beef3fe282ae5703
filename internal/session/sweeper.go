// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/telemetry"
)

// SweeperConfig defines the cadence of background lifecycle housekeeping.
type SweeperConfig struct {
	Interval time.Duration
}

// Sweeper runs the periodic lifecycle chores: session expiry plus the
// optional passes the daemon wires in (promotion TTL reaping, stream token
// and presence-minute pruning).
type Sweeper struct {
	Service *Service
	Conf    SweeperConfig
	Clock   clockwork.Clock

	ExpirePromotedFn func(context.Context) (int, error)
	PruneTokensFn    func(context.Context) (int, error)
	PruneMinutesFn   func(context.Context) (int, error)

	mu      sync.Mutex
	lastRun time.Time
}

func (s *Sweeper) clock() clockwork.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clockwork.NewRealClock()
}

// LastRun reports when the last pass completed. Zero before the first
// pass; the readiness surface reports a stale sweeper as degraded.
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Run starts the sweep loop and blocks until the context ends. An initial
// pass runs immediately so restarts do not wait a full interval to catch
// up on elapsed sessions.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Conf.Interval <= 0 {
		return
	}
	clock := s.clock()

	logger := log.WithComponent("sweeper")
	logger.Info().Dur("interval", s.Conf.Interval).Msg("session sweeper started")

	ticker := clock.NewTicker(s.Conf.Interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs exactly one sweep pass. Deterministic and suitable
// for unit testing.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	logger := log.WithComponent("sweeper")

	// Background passes get their own root span; nothing upstream carries
	// trace context into the loop.
	ctx, span := telemetry.Tracer("nuvemplay.sweeper").Start(ctx, "lifecycle.sweep",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if _, err := s.Service.ExpireSessions(ctx); err != nil {
		logger.Warn().Err(err).Msg("session expiry sweep failed")
	}
	if s.ExpirePromotedFn != nil {
		if _, err := s.ExpirePromotedFn(ctx); err != nil {
			logger.Warn().Err(err).Msg("promotion expiry sweep failed")
		}
	}
	if s.PruneTokensFn != nil {
		if n, err := s.PruneTokensFn(ctx); err != nil {
			logger.Warn().Err(err).Msg("stream token prune failed")
		} else if n > 0 {
			logger.Debug().Int("count", n).Msg("pruned expired stream tokens")
		}
	}
	if s.PruneMinutesFn != nil {
		if n, err := s.PruneMinutesFn(ctx); err != nil {
			logger.Warn().Err(err).Msg("presence minute prune failed")
		} else if n > 0 {
			logger.Debug().Int("count", n).Msg("pruned old presence minutes")
		}
	}

	s.mu.Lock()
	s.lastRun = s.clock().Now()
	s.mu.Unlock()
}
