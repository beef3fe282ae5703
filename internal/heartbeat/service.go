// SPDX-License-Identifier: MIT

// Package heartbeat tracks host presence. Hosts beat periodically (and may
// self-report their fleet ONLINE or OFFLINE); the monitor sweeps for hosts
// that went quiet and cascades their PCs offline, failing any running
// sessions on the host's account.
package heartbeat

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/metrics"
	"github.com/nuvemplay/core/internal/session"
	"github.com/nuvemplay/core/internal/store"
)

// Service ingests heartbeats from authenticated hosts.
type Service struct {
	store    *store.Store
	clock    clockwork.Clock
	logger   zerolog.Logger
	promoter session.Promoter
}

// NewService builds the heartbeat ingest service.
func NewService(st *store.Store, clock clockwork.Clock) *Service {
	return &Service{
		store:  st,
		clock:  clock,
		logger: log.WithComponent("heartbeat"),
	}
}

// SetPromoter wires the queue kick for PCs a self-report brings back
// ONLINE. Must be called during wiring.
func (s *Service) SetPromoter(p session.Promoter) { s.promoter = p }

// RegisterHeartbeat stamps the host's presence, records the online minute
// and optionally applies an ONLINE/OFFLINE fleet self-report. BUSY
// machines are never touched by a self-report; the session lifecycle owns
// that state. The host profile is created on first contact.
func (s *Service) RegisterHeartbeat(ctx context.Context, hostUserID string, report domain.PCStatus) (*domain.HostProfile, error) {
	if hostUserID == "" {
		return nil, domain.ErrUnauthorized
	}
	if report != "" && report != domain.PCOnline && report != domain.PCOffline {
		return nil, domain.Validationf("status must be ONLINE or OFFLINE, got %q", report)
	}

	var (
		host       *domain.HostProfile
		cameOnline []string
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		host, cameOnline = nil, nil
		now := s.clock.Now().UTC()

		h, err := tx.GetOrCreateHostProfile(hostUserID, now)
		if err != nil {
			return err
		}
		if err := tx.TouchHostSeen(h.ID, now); err != nil {
			return err
		}
		seen := now
		h.LastSeenAt = &seen

		switch report {
		case domain.PCOnline:
			cameOnline, err = tx.SetHostPCsStatusIf(h.ID, domain.PCOffline, domain.PCOnline, now)
		case domain.PCOffline:
			_, err = tx.SetHostPCsStatusIf(h.ID, domain.PCOnline, domain.PCOffline, now)
		}
		if err != nil {
			return err
		}

		if err := tx.UpsertOnlineMinute(h.ID, now.Unix()/60); err != nil {
			return err
		}
		host = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncHeartbeat()
	if len(cameOnline) > 0 {
		s.logger.Info().
			Str("event", "host.self_report").
			Str("host_id", host.ID).
			Int("pcs_online", len(cameOnline)).
			Msg("host fleet back online")
		// A PC turning ONLINE is a freed slot; offer it to its queue.
		if s.promoter != nil {
			for _, pcID := range cameOnline {
				s.promoter.PromoteNext(ctx, pcID)
			}
		}
	} else {
		s.logger.Debug().
			Str("event", "host.heartbeat").
			Str("host_id", host.ID).
			Msg("heartbeat recorded")
	}
	return host, nil
}

// UptimeWindow is the horizon Uptime reports over. The heartbeat ack
// carries this figure back to the host daemon; the week-long view on the
// PC detail page comes from the reliability tracker instead.
const UptimeWindow = 24 * time.Hour

// Uptime reports the share of the trailing day the host was observed
// beating.
func (s *Service) Uptime(ctx context.Context, hostID string) (float64, error) {
	windowMinutes := int64(UptimeWindow / time.Minute)
	fromMinute := s.clock.Now().Unix()/60 - windowMinutes
	online, err := s.store.CountOnlineMinutes(ctx, hostID, fromMinute)
	if err != nil {
		return 0, err
	}
	ratio := float64(online) / float64(windowMinutes)
	if ratio > 1 {
		ratio = 1
	}
	return ratio, nil
}
