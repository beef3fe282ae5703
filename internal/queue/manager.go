// SPDX-License-Identifier: MIT

// Package queue manages the per-PC waiting line. Joining an available PC
// fuses straight into an active session; otherwise the caller holds a FIFO
// slot that a terminal session end promotes. Promotion is eager: the head
// entry is bound to a freshly started session in one transaction, and
// entries whose wallet cannot cover the booking are expired so the line
// keeps moving.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/metrics"
	"github.com/nuvemplay/core/internal/session"
	"github.com/nuvemplay/core/internal/store"
)

// DefaultPromotionTTL bounds how long an entry may sit PROMOTED before the
// sweeper reaps it.
const DefaultPromotionTTL = 90 * time.Second

// Manager owns queue entries and implements session.Promoter.
type Manager struct {
	store    *store.Store
	sessions *session.Service
	ttl      time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewManager builds the queue manager. promotionTTL <= 0 falls back to the
// default.
func NewManager(st *store.Store, sessions *session.Service, promotionTTL time.Duration, clock clockwork.Clock) *Manager {
	if promotionTTL <= 0 {
		promotionTTL = DefaultPromotionTTL
	}
	return &Manager{
		store:    st,
		sessions: sessions,
		ttl:      promotionTTL,
		clock:    clock,
		logger:   log.WithComponent("queue"),
	}
}

// JoinParams are the inputs for a queue join.
type JoinParams struct {
	PCID             string
	UserID           string
	MinutesPurchased int
	BypassCredits    bool
}

// JoinResult reports where the caller landed: an immediate session when
// the PC was free, or a queue slot with its 1-based position.
type JoinResult struct {
	Entry      *domain.QueueEntry
	Session    *domain.Session
	Position   int
	QueueCount int
}

// Join runs the four-step admission: reuse an open entry, reject callers
// with a live session elsewhere, fuse into a session when the PC is free,
// else take a WAITING slot.
func (m *Manager) Join(ctx context.Context, p JoinParams) (*JoinResult, error) {
	if p.PCID == "" {
		return nil, domain.Validationf("pcId is required")
	}
	if p.UserID == "" {
		return nil, domain.Validationf("userId is required")
	}
	if p.MinutesPurchased < 1 || p.MinutesPurchased > domain.MaxMinutesPurchased {
		return nil, domain.Validationf("minutesPurchased must be between 1 and %d", domain.MaxMinutesPurchased)
	}

	var (
		res    JoinResult
		joined bool
		fused  bool
	)
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		res, joined, fused = JoinResult{}, false, false
		count, err := tx.CountWaiting(p.PCID)
		if err != nil {
			return err
		}
		res.QueueCount = count

		existing, err := tx.OpenQueueEntry(p.PCID, p.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Entry = existing
			switch existing.Status {
			case domain.QueueWaiting:
				res.Position, err = tx.WaitingPosition(existing)
				return err
			case domain.QueuePromoted:
				res.Position = 1
				return nil
			default: // ACTIVE: hand back the bound session
				res.Session, err = tx.GetSession(existing.SessionID)
				return err
			}
		}

		if open, err := tx.OpenSessionForClient(p.UserID); err != nil {
			return err
		} else if open != nil {
			return domain.ErrSessionExists
		}

		pc, err := tx.GetPC(p.PCID)
		if err != nil {
			return err
		}
		if pc == nil {
			return domain.ErrPCNotFound
		}

		now := m.clock.Now().UTC()
		open, err := tx.OpenSessionForPC(p.PCID)
		if err != nil {
			return err
		}
		if pc.Status == domain.PCOnline && open == nil {
			se, err := m.sessions.CreateAndStartTx(tx, session.CreateParams{
				PCID:             p.PCID,
				ClientUserID:     p.UserID,
				MinutesPurchased: p.MinutesPurchased,
				BypassCredits:    p.BypassCredits,
			})
			if err != nil {
				return err
			}
			entry := &domain.QueueEntry{
				ID:               uuid.NewString(),
				PCID:             p.PCID,
				UserID:           p.UserID,
				Status:           domain.QueueActive,
				MinutesPurchased: p.MinutesPurchased,
				CreatedAt:        now,
				SessionID:        se.ID,
			}
			if err := tx.InsertQueueEntry(entry); err != nil {
				return err
			}
			res.Entry, res.Session, fused = entry, se, true
			return nil
		}

		entry := &domain.QueueEntry{
			ID:               uuid.NewString(),
			PCID:             p.PCID,
			UserID:           p.UserID,
			Status:           domain.QueueWaiting,
			MinutesPurchased: p.MinutesPurchased,
			CreatedAt:        now,
		}
		if err := tx.InsertQueueEntry(entry); err != nil {
			return err
		}
		res.Entry, joined = entry, true
		res.QueueCount = count + 1
		res.Position, err = tx.WaitingPosition(entry)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficient) {
			metrics.IncWalletInsufficient()
		}
		return nil, err
	}

	switch {
	case fused:
		metrics.IncSessionCreated()
		metrics.IncSessionActive()
		m.logger.Info().
			Str("event", "queue.fused").
			Str("pc_id", p.PCID).
			Str("user_id", p.UserID).
			Str("session_id", res.Session.ID).
			Msg("free pc, session started directly")
	case joined:
		metrics.IncQueueJoin()
		m.logger.Info().
			Str("event", "queue.joined").
			Str("pc_id", p.PCID).
			Str("user_id", p.UserID).
			Int("position", res.Position).
			Msg("queued for pc")
	}
	return &res, nil
}

// Leave cancels the caller's WAITING entry. Entries in any other state
// report not-found, which makes a second leave harmless.
func (m *Manager) Leave(ctx context.Context, pcID, userID string) error {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		entry, err := tx.OpenQueueEntry(pcID, userID)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != domain.QueueWaiting {
			return domain.ErrQueueNotFound
		}
		entry.Status = domain.QueueCancelled
		return tx.UpdateQueueEntry(entry)
	})
	if err != nil {
		return err
	}
	m.logger.Info().
		Str("event", "queue.left").
		Str("pc_id", pcID).
		Str("user_id", userID).
		Msg("left queue")
	return nil
}

// StatusResult is the queue view for one PC, optionally personalized.
type StatusResult struct {
	QueueCount int
	Position   int // 0 when the user holds no WAITING slot
	Status     domain.QueueStatus
	SessionID  string
}

// Status reports the queue depth and, when userID is set, the caller's
// place in it.
func (m *Manager) Status(ctx context.Context, pcID, userID string) (*StatusResult, error) {
	var res StatusResult
	err := m.store.ReadTx(ctx, func(tx *store.Tx) error {
		res = StatusResult{}
		count, err := tx.CountWaiting(pcID)
		if err != nil {
			return err
		}
		res.QueueCount = count
		if userID == "" {
			return nil
		}
		entry, err := tx.OpenQueueEntry(pcID, userID)
		if err != nil || entry == nil {
			return err
		}
		res.Status = entry.Status
		switch entry.Status {
		case domain.QueueWaiting:
			res.Position, err = tx.WaitingPosition(entry)
			return err
		case domain.QueuePromoted:
			res.Position = 1
		case domain.QueueActive:
			res.SessionID = entry.SessionID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UserEntries lists the caller's open queue memberships across PCs.
func (m *Manager) UserEntries(ctx context.Context, userID string) ([]*domain.QueueEntry, error) {
	return m.store.ListOpenEntriesByUser(ctx, userID)
}

type promoteOutcome int

const (
	promoteDone promoteOutcome = iota
	promoteSkipped
	promoteBound
	promoteRetry
)

// PromoteNext serves the freed slot on pcID to the waiting line, expiring
// entries whose wallets cannot cover the booking until one binds or the
// line is empty. Implements session.Promoter; errors are logged, not
// returned, since promotion runs post-commit of an unrelated operation.
func (m *Manager) PromoteNext(ctx context.Context, pcID string) {
	for {
		outcome, entry, err := m.promoteOnce(ctx, pcID)
		if err != nil {
			m.logger.Error().Err(err).Str("pc_id", pcID).Msg("queue promotion failed")
			return
		}
		switch outcome {
		case promoteBound:
			metrics.IncQueuePromotion("bound")
			metrics.IncSessionCreated()
			metrics.IncSessionActive()
			m.logger.Info().
				Str("event", "queue.promoted").
				Str("pc_id", pcID).
				Str("user_id", entry.UserID).
				Str("session_id", entry.SessionID).
				Msg("queue head bound to session")
			return
		case promoteRetry:
			metrics.IncQueuePromotion("expired")
			m.logger.Warn().
				Str("event", "queue.promotion_expired").
				Str("pc_id", pcID).
				Str("user_id", entry.UserID).
				Msg("queue head could not fund the booking, trying next")
		case promoteSkipped:
			metrics.IncQueuePromotion("skipped")
			return
		default:
			return
		}
	}
}

func (m *Manager) promoteOnce(ctx context.Context, pcID string) (promoteOutcome, *domain.QueueEntry, error) {
	var (
		outcome promoteOutcome
		head    *domain.QueueEntry
	)
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		outcome, head = promoteDone, nil
		var err error
		head, err = tx.HeadWaiting(pcID)
		if err != nil {
			return err
		}
		if head == nil {
			return nil
		}

		pc, err := tx.GetPC(pcID)
		if err != nil {
			return err
		}
		if pc == nil || pc.Status != domain.PCOnline {
			outcome = promoteSkipped
			return nil
		}
		if open, err := tx.OpenSessionForPC(pcID); err != nil {
			return err
		} else if open != nil {
			outcome = promoteSkipped
			return nil
		}

		now := m.clock.Now().UTC()
		promoted := now
		head.Status = domain.QueuePromoted
		head.PromotedAt = &promoted
		if err := tx.UpdateQueueEntry(head); err != nil {
			return err
		}

		se, err := m.sessions.CreateAndStartTx(tx, session.CreateParams{
			PCID:             pcID,
			ClientUserID:     head.UserID,
			MinutesPurchased: head.MinutesPurchased,
		})
		if err != nil {
			// A broke wallet or a session the user picked up elsewhere
			// expires the entry; the slot goes to the next in line.
			if errors.Is(err, domain.ErrInsufficient) || errors.Is(err, domain.ErrSessionExists) {
				head.Status = domain.QueueExpired
				if uerr := tx.UpdateQueueEntry(head); uerr != nil {
					return uerr
				}
				outcome = promoteRetry
				return nil
			}
			return err
		}
		head.Status = domain.QueueActive
		head.SessionID = se.ID
		if err := tx.UpdateQueueEntry(head); err != nil {
			return err
		}
		outcome = promoteBound
		return nil
	})
	return outcome, head, err
}

// ExpirePromoted reaps entries stuck in PROMOTED past the TTL and offers
// their slots to the line again. Returns how many entries were reaped.
func (m *Manager) ExpirePromoted(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().UTC().Add(-m.ttl)
	ids, err := m.store.ListStalePromotedIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	pcs := make(map[string]struct{})
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		var pcID string
		err := m.store.WithTx(ctx, func(tx *store.Tx) error {
			pcID = ""
			entry, err := tx.GetQueueEntry(id)
			if err != nil {
				return err
			}
			if entry == nil || entry.Status != domain.QueuePromoted {
				return nil
			}
			if entry.PromotedAt == nil || entry.PromotedAt.After(cutoff) {
				return nil
			}
			entry.Status = domain.QueueExpired
			if err := tx.UpdateQueueEntry(entry); err != nil {
				return err
			}
			pcID = entry.PCID
			return nil
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("entry_id", id).Msg("promoted entry reap failed")
			continue
		}
		if pcID != "" {
			reaped++
			pcs[pcID] = struct{}{}
			metrics.IncQueuePromotion("expired")
		}
	}

	for pcID := range pcs {
		m.PromoteNext(ctx, pcID)
	}
	if reaped > 0 {
		m.logger.Info().
			Str("event", "queue.promotions_reaped").
			Int("count", reaped).
			Msg("expired stale promotions")
	}
	return reaped, nil
}
