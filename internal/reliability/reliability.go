// SPDX-License-Identifier: MIT

// Package reliability maintains the event-driven host reliability score and
// derives the listing badge. The score moves by fixed deltas per event and is
// persisted on the host profile in the same transaction as the event row, so
// history and score can never diverge.
package reliability

import (
	"context"
	"time"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/store"
)

// Badge thresholds. Badges are session-count based and orthogonal to the
// event-driven score.
const (
	minSessionsForBadge = 5
	reliableRatio       = 0.9
)

// Delta returns the score movement for one event type. Unknown types are
// inert rather than an error; the history row is still written.
func Delta(typ domain.ReliabilityEventType) int {
	switch typ {
	case domain.EventSessionOK:
		return 1
	case domain.EventSessionFailed:
		return -2
	case domain.EventHostDown:
		return -10
	}
	return 0
}

// ClampScore bounds a score to [0, 100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// BadgeFor derives the listing badge from the session counters.
func BadgeFor(h *domain.HostProfile) domain.Badge {
	if h == nil || h.SessionsTotal < minSessionsForBadge {
		return domain.BadgeNovo
	}
	if float64(h.SessionsCompleted)/float64(h.SessionsTotal) >= reliableRatio {
		return domain.BadgeConfiavel
	}
	return domain.BadgeInstavel
}

// ApplyTx appends the event and moves the clamped score on the already-loaded
// profile, persisting both inside the caller's transaction. The profile's
// session counters must have been adjusted by the caller before this runs.
func ApplyTx(tx *store.Tx, h *domain.HostProfile, typ domain.ReliabilityEventType, now time.Time) error {
	if err := tx.InsertReliabilityEvent(h.ID, typ, now); err != nil {
		return err
	}
	h.ReliabilityScore = ClampScore(h.ReliabilityScore + Delta(typ))
	return tx.UpdateHostCounters(h)
}

// Tracker answers read-side reliability questions against the store.
type Tracker struct {
	store *store.Store
}

// NewTracker builds a Tracker on the shared store.
func NewTracker(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

// UptimeRatio reports observed-online-minutes / window-minutes over the
// trailing window, capped at 1. Hosts with no presence rows report 0.
func (t *Tracker) UptimeRatio(ctx context.Context, hostID string, window time.Duration, now time.Time) (float64, error) {
	windowMinutes := int64(window / time.Minute)
	if windowMinutes <= 0 {
		return 0, nil
	}
	fromMinute := now.Unix()/60 - windowMinutes
	online, err := t.store.CountOnlineMinutes(ctx, hostID, fromMinute)
	if err != nil {
		return 0, err
	}
	ratio := float64(online) / float64(windowMinutes)
	if ratio > 1 {
		ratio = 1
	}
	return ratio, nil
}

// PruneWindow is the retention horizon for presence minutes.
const PruneWindow = 7 * 24 * time.Hour

// Prune drops presence rows older than the retention window.
func (t *Tracker) Prune(ctx context.Context, now time.Time) (int, error) {
	cutoffMinute := now.Add(-PruneWindow).Unix() / 60
	return t.store.PruneOnlineMinutes(ctx, cutoffMinute)
}

// Events returns the newest history rows for a host.
func (t *Tracker) Events(ctx context.Context, hostID string, limit int) ([]*domain.ReliabilityEvent, error) {
	return t.store.ListReliabilityEvents(ctx, hostID, limit)
}
