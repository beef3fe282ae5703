// SPDX-License-Identifier: MIT

package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/metrics"
	"github.com/nuvemplay/core/internal/reliability"
	"github.com/nuvemplay/core/internal/session"
	"github.com/nuvemplay/core/internal/store"
	"github.com/nuvemplay/core/internal/telemetry"
)

// MonitorConfig controls the presence sweep. A host with an active session
// gets the longer timeout; the grace window only produces warnings so an
// operator can see trouble before the cascade fires.
type MonitorConfig struct {
	IdleTimeout   time.Duration
	ActiveTimeout time.Duration
	IdleGrace     time.Duration
	ActiveGrace   time.Duration
	CheckInterval time.Duration

	// EndConcurrency bounds how many dropped sessions are settled in
	// parallel after a cascade. Zero means 4.
	EndConcurrency int
}

// Monitor periodically scans host presence and cascades silent hosts:
// their PCs go OFFLINE, a HOST_DOWN event is recorded and every ACTIVE
// session on their machines is ended at the host's fault.
type Monitor struct {
	Store    *store.Store
	Sessions *session.Service
	Conf     MonitorConfig
	Clock    clockwork.Clock

	once sync.Once
	pool pond.Pool

	mu      sync.Mutex
	lastRun time.Time
}

// LastRun reports when the last sweep completed. Zero until the first
// interval elapses.
func (m *Monitor) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Monitor) workers() pond.Pool {
	m.once.Do(func() {
		n := m.Conf.EndConcurrency
		if n <= 0 {
			n = 4
		}
		m.pool = pond.NewPool(n)
	})
	return m.pool
}

// Run sweeps on every tick until the context ends. Unlike the session
// sweeper there is no immediate first pass: after a platform restart the
// stored last-seen stamps are stale for every host, and one interval is
// enough for the live ones to beat again.
func (m *Monitor) Run(ctx context.Context) {
	if m.Conf.CheckInterval <= 0 {
		return
	}
	if m.Clock == nil {
		m.Clock = clockwork.NewRealClock()
	}
	logger := log.WithComponent("heartbeat")
	logger.Info().
		Dur("interval", m.Conf.CheckInterval).
		Dur("idle_timeout", m.Conf.IdleTimeout).
		Dur("active_timeout", m.Conf.ActiveTimeout).
		Msg("presence monitor started")

	ticker := m.Clock.NewTicker(m.Conf.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("presence monitor stopped")
			return
		case <-ticker.Chan():
			if _, err := m.SweepOnce(ctx); err != nil {
				logger.Warn().Err(err).Msg("presence sweep failed")
			}
		}
	}
}

// SweepOnce evaluates every host that still owns a reachable PC and
// cascades the overdue ones. It returns how many hosts were cascaded.
func (m *Monitor) SweepOnce(ctx context.Context) (int, error) {
	if m.Clock == nil {
		m.Clock = clockwork.NewRealClock()
	}
	logger := log.WithComponent("heartbeat")

	ctx, span := telemetry.Tracer("nuvemplay.heartbeat").Start(ctx, "presence.sweep",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	now := m.Clock.Now().UTC()

	rows, err := m.Store.ListHostsForPresenceSweep(ctx)
	if err != nil {
		return 0, err
	}

	cascaded := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return cascaded, err
		}
		timeout, grace := m.Conf.IdleTimeout, m.Conf.IdleGrace
		if row.HasActive {
			timeout, grace = m.Conf.ActiveTimeout, m.Conf.ActiveGrace
		}

		var silent time.Duration
		if row.Host.LastSeenAt == nil {
			// Never beat at all; the registration instant is unknown,
			// so treat it as overdue.
			silent = timeout + grace + time.Second
		} else {
			silent = now.Sub(*row.Host.LastSeenAt)
		}
		if silent <= timeout {
			continue
		}
		if silent <= timeout+grace {
			logger.Warn().
				Str("host_id", row.Host.ID).
				Dur("silent_for", silent).
				Dur("timeout", timeout).
				Bool("has_active", row.HasActive).
				Msg("host heartbeat late, within grace")
			continue
		}

		if err := m.cascade(ctx, row.Host.ID, timeout+grace, now); err != nil {
			logger.Error().Err(err).Str("host_id", row.Host.ID).Msg("host-down cascade failed")
			continue
		}
		cascaded++
	}

	m.mu.Lock()
	m.lastRun = m.Clock.Now()
	m.mu.Unlock()
	return cascaded, nil
}

// cascade flips the host's fleet OFFLINE, records HOST_DOWN and ends every
// ACTIVE session that was running on it. The state flip and the event are
// one transaction; settlements follow per session so one poisoned session
// cannot wedge the rest.
func (m *Monitor) cascade(ctx context.Context, hostID string, window time.Duration, now time.Time) error {
	logger := log.WithComponent("heartbeat")

	var (
		flipped    []string
		sessionIDs []string
	)
	err := m.Store.WithTx(ctx, func(tx *store.Tx) error {
		flipped, sessionIDs = nil, nil
		host, err := tx.GetHostProfile(hostID)
		if err != nil {
			return err
		}
		if host == nil {
			return nil
		}
		// A beat may have landed between the sweep listing and this
		// transaction; only cascade if the host is still silent.
		if host.LastSeenAt != nil && now.Sub(*host.LastSeenAt) <= window {
			return nil
		}

		flipped, err = tx.MarkHostPCsOffline(host.ID, now)
		if err != nil {
			return err
		}
		if len(flipped) == 0 {
			return nil
		}
		sessionIDs, err = tx.ListActiveSessionIDsForPCs(flipped)
		if err != nil {
			return err
		}
		return reliability.ApplyTx(tx, host, domain.EventHostDown, now)
	})
	if err != nil {
		return err
	}
	if len(flipped) == 0 {
		return nil
	}

	metrics.IncHostDownCascade()
	logger.Warn().
		Str("event", "host.down").
		Str("host_id", hostID).
		Int("pcs_offline", len(flipped)).
		Int("sessions_dropped", len(sessionIDs)).
		Msg("host presence lost, fleet cascaded offline")

	if len(sessionIDs) == 0 {
		return nil
	}
	group := m.workers().NewGroupContext(ctx)
	for _, id := range sessionIDs {
		group.SubmitErr(func() error {
			_, err := m.Sessions.End(ctx, id, session.EndParams{
				Reason:        domain.FailureHost,
				ReleaseStatus: domain.PCOffline,
			})
			if err != nil {
				return err
			}
			metrics.IncSessionDroppedCascade()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		logger.Warn().Err(err).Str("host_id", hostID).Msg("cascade settlement incomplete")
	}
	return nil
}
