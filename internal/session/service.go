// SPDX-License-Identifier: MIT

// Package session drives the booked-session lifecycle: creation with a
// wallet hold, activation, expiration and terminal settlement. Every
// mutation runs in one immediate transaction so the slot invariants hold
// under concurrent writers, and each terminal end kicks the waiting queue
// for the freed PC.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/metrics"
	"github.com/nuvemplay/core/internal/reliability"
	"github.com/nuvemplay/core/internal/store"
)

// Config carries the settlement rates applied when a session ends.
type Config struct {
	PlatformFeeRate float64
	HostPenaltyRate float64
}

// Promoter is notified after a session reaches a terminal state so the
// freed PC slot can be offered to the queue. Implementations must
// revalidate the slot; it may have been taken again by the time they run.
type Promoter interface {
	PromoteNext(ctx context.Context, pcID string)
}

// Service owns every session state transition.
type Service struct {
	store  *store.Store
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	promoter Promoter
}

// NewService builds the session service. Wire the queue side with
// SetPromoter before serving; a nil promoter only skips the post-end kick.
func NewService(st *store.Store, cfg Config, clock clockwork.Clock) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		clock:  clock,
		logger: log.WithComponent("session"),
	}
}

// SetPromoter injects the queue kick target. Must be called during wiring,
// before traffic is served.
func (s *Service) SetPromoter(p Promoter) { s.promoter = p }

// CreateParams are the inputs for a new booking.
type CreateParams struct {
	PCID             string
	ClientUserID     string
	MinutesPurchased int

	// BypassCredits skips the wallet hold. Ingress only sets it outside
	// production.
	BypassCredits bool
}

func (p CreateParams) validate() error {
	if p.PCID == "" {
		return domain.Validationf("pcId is required")
	}
	if p.ClientUserID == "" {
		return domain.Validationf("clientUserId is required")
	}
	if p.MinutesPurchased < 1 || p.MinutesPurchased > domain.MaxMinutesPurchased {
		return domain.Validationf("minutesPurchased must be between 1 and %d", domain.MaxMinutesPurchased)
	}
	return nil
}

// Create books a PENDING session and debits the full cost as a hold.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Session, error) {
	var created *domain.Session
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		se, err := s.CreateTx(tx, p)
		if err != nil {
			return err
		}
		created = se
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficient) {
			metrics.IncWalletInsufficient()
		}
		return nil, err
	}
	metrics.IncSessionCreated()
	s.logger.Info().
		Str("event", "session.created").
		Str("session_id", created.ID).
		Str("pc_id", created.PCID).
		Str("client_id", created.ClientUserID).
		Int("minutes", created.MinutesPurchased).
		Msg("session booked")
	return created, nil
}

// CreateTx is Create inside the caller's transaction. Metrics and the
// queue kick stay with the committing caller.
func (s *Service) CreateTx(tx *store.Tx, p CreateParams) (*domain.Session, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()

	pc, err := tx.GetPC(p.PCID)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, domain.ErrPCNotFound
	}
	if pc.Status == domain.PCOffline {
		return nil, domain.ErrPCOffline
	}

	if open, err := tx.OpenSessionForPC(p.PCID); err != nil {
		return nil, err
	} else if open != nil {
		return nil, domain.ErrSessionExists
	}
	if open, err := tx.OpenSessionForClient(p.ClientUserID); err != nil {
		return nil, err
	} else if open != nil {
		return nil, domain.ErrSessionExists.WithCause(
			fmt.Errorf("client %s already holds session %s", p.ClientUserID, open.ID))
	}

	if !p.BypassCredits {
		cost := domain.SessionCost(pc.PricePerHour, p.MinutesPurchased)
		if err := tx.DebitWallet(p.ClientUserID, cost, now); err != nil {
			return nil, err
		}
	}

	se := &domain.Session{
		ID:               uuid.NewString(),
		PCID:             pc.ID,
		ClientUserID:     p.ClientUserID,
		Status:           domain.SessionPending,
		MinutesPurchased: p.MinutesPurchased,
		PricePerHour:     pc.PricePerHour,
		FailureReason:    domain.FailureNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertSession(se); err != nil {
		return nil, err
	}
	return se, nil
}

// Start flips a PENDING session ACTIVE, stamps the usage window and marks
// the PC BUSY. Starting an already ACTIVE session returns it unchanged.
func (s *Service) Start(ctx context.Context, sessionID, callerID string) (*domain.Session, error) {
	var (
		started *domain.Session
		already bool
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		already = false
		se, err := tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		if se == nil {
			return domain.ErrSessionNotFound
		}
		if se.ClientUserID != callerID {
			return domain.ErrForbidden
		}
		already = se.Status == domain.SessionActive
		started, err = s.startTx(tx, se)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !already {
		metrics.IncSessionActive()
		s.logger.Info().
			Str("event", "session.started").
			Str("session_id", started.ID).
			Str("pc_id", started.PCID).
			Time("end_at", *started.EndAt).
			Msg("session active")
	}
	return started, nil
}

func (s *Service) startTx(tx *store.Tx, se *domain.Session) (*domain.Session, error) {
	if se.Status == domain.SessionActive {
		return se, nil
	}
	if se.Status != domain.SessionPending {
		return nil, domain.ErrSessionNotActive.WithCause(
			fmt.Errorf("session %s is %s", se.ID, se.Status))
	}

	pc, err := tx.GetPC(se.PCID)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, domain.ErrPCNotFound
	}
	if pc.Status == domain.PCOffline {
		return nil, domain.ErrPCOffline
	}

	now := s.clock.Now().UTC()
	start := now
	end := now.Add(time.Duration(se.MinutesPurchased) * time.Minute)
	se.Status = domain.SessionActive
	se.StartAt = &start
	se.EndAt = &end
	se.UpdatedAt = now
	if err := tx.UpdateSession(se); err != nil {
		return nil, err
	}

	host, err := tx.GetHostProfile(pc.HostID)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, domain.Internalf("pc %s has no host profile", pc.ID)
	}
	host.SessionsTotal++
	if err := tx.UpdateHostCounters(host); err != nil {
		return nil, err
	}
	if err := tx.SetPCStatus(pc.ID, domain.PCBusy, now); err != nil {
		return nil, err
	}
	return se, nil
}

// CreateAndStartTx fuses booking and activation for queue promotions so
// the slot check, the debit and the BUSY flip commit atomically.
func (s *Service) CreateAndStartTx(tx *store.Tx, p CreateParams) (*domain.Session, error) {
	se, err := s.CreateTx(tx, p)
	if err != nil {
		return nil, err
	}
	return s.startTx(tx, se)
}

// EndParams control a terminal transition.
type EndParams struct {
	// Reason attributes the end; empty means NONE (regular end).
	Reason domain.FailureReason

	// ReleaseStatus is where the PC lands once the slot frees; empty means
	// ONLINE. The host-down cascade passes OFFLINE.
	ReleaseStatus domain.PCStatus
}

type endOutcome struct {
	session    *domain.Session
	settlement domain.Settlement
	refund     float64
	wasActive  bool
	already    bool
}

// End settles and closes a session. A session that never started is
// CANCELLED with a full refund of the hold; an elapsed or aborted ACTIVE
// session settles proportionally. Calling End on a terminal session
// returns it unchanged, so concurrent enders and the expiry sweeper stay
// idempotent.
func (s *Service) End(ctx context.Context, sessionID string, p EndParams) (*domain.Session, error) {
	reason := p.Reason
	if reason == "" {
		reason = domain.FailureNone
	}
	if !reason.Valid() {
		return nil, domain.Validationf("unknown failure reason %q", p.Reason)
	}
	release := p.ReleaseStatus
	if release == "" {
		release = domain.PCOnline
	}
	if !release.Valid() {
		return nil, domain.Validationf("unknown release status %q", p.ReleaseStatus)
	}

	var out endOutcome
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		out = endOutcome{}
		se, err := tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		if se == nil {
			return domain.ErrSessionNotFound
		}
		if se.Status.IsTerminal() {
			out.session, out.already = se, true
			return nil
		}
		out.wasActive = se.Status == domain.SessionActive

		now := s.clock.Now().UTC()
		se.MinutesUsed = domain.ComputeMinutesUsed(now, se.StartAt, se.MinutesPurchased)
		se.FailureReason = reason
		switch {
		case reason != domain.FailureNone:
			se.Status = domain.SessionFailed
		case out.wasActive:
			se.Status = domain.SessionEnded
		default:
			se.Status = domain.SessionCancelled
		}
		se.UpdatedAt = now
		if err := tx.UpdateSession(se); err != nil {
			return err
		}
		// The queue entry that carried this booking goes with it, freeing
		// the (pc, user) slot for a rejoin.
		if err := tx.CloseEntryForSession(se.ID); err != nil {
			return err
		}

		pc, err := tx.GetPC(se.PCID)
		if err != nil {
			return err
		}
		if pc == nil {
			return domain.Internalf("session %s references missing pc %s", se.ID, se.PCID)
		}
		host, err := tx.GetHostProfile(pc.HostID)
		if err != nil {
			return err
		}
		if host == nil {
			return domain.Internalf("pc %s has no host profile", pc.ID)
		}

		st := domain.Settle(se.PricePerHour, se.MinutesPurchased, se.MinutesUsed,
			s.cfg.PlatformFeeRate, s.cfg.HostPenaltyRate, reason)
		out.refund = domain.Round2(st.TotalPurchased - st.Proportional)
		clientReturn := domain.Round2(out.refund + st.ClientCredit)
		if clientReturn > 0 {
			if err := tx.CreditWallet(se.ClientUserID, clientReturn, now); err != nil {
				return err
			}
		}
		if st.HostPayout > 0 {
			if err := tx.CreditWallet(host.UserID, st.HostPayout, now); err != nil {
				return err
			}
		}

		// Reliability history and counters only move for sessions that
		// actually ran; a cancelled PENDING booking never counted toward
		// sessionsTotal.
		if out.wasActive {
			typ := domain.EventSessionOK
			if reason == domain.FailureNone {
				host.SessionsCompleted++
			} else {
				typ = domain.EventSessionFailed
				if reason == domain.FailureHost {
					host.SessionsDropped++
					drop := now
					host.LastDropAt = &drop
				}
			}
			if err := reliability.ApplyTx(tx, host, typ, now); err != nil {
				return err
			}
		}

		// Conditional flip keeps an OFFLINE PC offline when a manual end
		// races the host-down cascade.
		if _, err := tx.SetPCStatusIf(pc.ID, domain.PCBusy, release, now); err != nil {
			return err
		}
		out.session, out.settlement = se, st
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.already {
		return out.session, nil
	}

	if out.wasActive {
		metrics.DecSessionActive()
	}
	metrics.RecordSessionEnded(string(out.session.Status), string(reason), out.session.MinutesUsed)
	metrics.RecordSettlement(out.settlement.PlatformFee, out.settlement.HostPayout,
		out.settlement.ClientCredit, out.refund)
	s.logger.Info().
		Str("event", "session.ended").
		Str("session_id", out.session.ID).
		Str("pc_id", out.session.PCID).
		Str("status", string(out.session.Status)).
		Str("reason", string(reason)).
		Int("minutes_used", out.session.MinutesUsed).
		Float64("host_payout", out.settlement.HostPayout).
		Float64("client_credit", out.settlement.ClientCredit).
		Float64("client_refund", out.refund).
		Msg("session settled")

	if s.promoter != nil {
		s.promoter.PromoteNext(ctx, out.session.PCID)
	}
	return out.session, nil
}

// Get returns the caller's session with live usage on a running window.
func (s *Service) Get(ctx context.Context, sessionID, callerID string) (*domain.Session, error) {
	se, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if se == nil {
		return nil, domain.ErrSessionNotFound
	}
	if se.ClientUserID != callerID {
		return nil, domain.ErrForbidden
	}
	s.fillLiveUsage(se)
	return se, nil
}

// ListForUser returns the caller's newest sessions.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	sessions, err := s.store.ListSessionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	for _, se := range sessions {
		s.fillLiveUsage(se)
	}
	return sessions, nil
}

func (s *Service) fillLiveUsage(se *domain.Session) {
	if se.Status == domain.SessionActive {
		se.MinutesUsed = domain.ComputeMinutesUsed(s.clock.Now().UTC(), se.StartAt, se.MinutesPurchased)
	}
}

// ExpireSessions ends every ACTIVE session whose window has elapsed.
// Per-session failures are logged and retried on the next sweep.
func (s *Service) ExpireSessions(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredSessionIDs(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := s.End(ctx, id, EndParams{Reason: domain.FailureNone}); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("expiry failed")
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info().
			Str("event", "session.expired").
			Int("count", expired).
			Msg("ended elapsed sessions")
	}
	return expired, nil
}
