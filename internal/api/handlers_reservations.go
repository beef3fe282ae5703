// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/store"
)

// maxReservationWindow caps one booked window. Longer blocks squat the
// calendar without any wallet commitment.
const maxReservationWindow = 24 * time.Hour

type reservationRequest struct {
	StartAt     time.Time  `json:"startAt"`
	DurationMin int        `json:"durationMin"`
	EndAt       *time.Time `json:"endAt"`
}

// window resolves the half-open interval, accepting either durationMin
// or an explicit endAt.
func (req *reservationRequest) window(now time.Time) (start, end time.Time, err error) {
	if req.StartAt.IsZero() {
		return start, end, domain.Validationf("startAt is required")
	}
	start = req.StartAt.UTC()
	switch {
	case req.EndAt != nil:
		end = req.EndAt.UTC()
	case req.DurationMin > 0:
		end = start.Add(time.Duration(req.DurationMin) * time.Minute)
	default:
		return start, end, domain.Validationf("durationMin or endAt is required")
	}
	if !end.After(start) {
		return start, end, domain.Validationf("endAt must be after startAt")
	}
	if end.Sub(start) > maxReservationWindow {
		return start, end, domain.Validationf("reservation window exceeds %s", maxReservationWindow)
	}
	if start.Before(now) {
		return start, end, domain.Validationf("startAt is in the past")
	}
	return start, end, nil
}

// handleReservationCreate books a future window on a PC. Windows on one
// PC never overlap; the losing booking gets SCHEDULE_CONFLICT.
func (s *Server) handleReservationCreate(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	now := s.clock.Now().UTC()
	start, end, err := req.window(now)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res := &domain.Reservation{
		ID:        uuid.NewString(),
		PCID:      chi.URLParam(r, "pcId"),
		UserID:    callerID(r),
		StartAt:   start,
		EndAt:     end,
		Status:    domain.ReservationScheduled,
		CreatedAt: now,
	}
	err = s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		pc, err := tx.GetPC(res.PCID)
		if err != nil {
			return err
		}
		if pc == nil {
			return domain.ErrPCNotFound
		}
		taken, err := tx.HasOverlappingReservation(res.PCID, start, end)
		if err != nil {
			return err
		}
		if taken {
			return domain.ErrScheduleConflict
		}
		return tx.InsertReservation(res)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.logger.Info().
		Str("event", "reservation.created").
		Str("reservation_id", res.ID).
		Str("pc_id", res.PCID).
		Time("start_at", start).
		Time("end_at", end).
		Msg("window booked")
	writeJSON(w, http.StatusCreated, map[string]any{"reservation": res})
}

// handleReservationList returns the PC's upcoming windows.
func (s *Server) handleReservationList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pcID := chi.URLParam(r, "pcId")

	pc, err := s.store.GetPC(ctx, pcID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pc == nil {
		writeDomainError(w, domain.ErrPCNotFound)
		return
	}

	list, err := s.store.ListReservationsByPC(ctx, pcID, s.clock.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Reservation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": list})
}

// handleReservationCancel releases the caller's window. Cancelling twice
// reports not-found without side effects.
func (s *Server) handleReservationCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		res, err := tx.GetReservation(id)
		if err != nil {
			return err
		}
		if res == nil || res.Status == domain.ReservationCancelled {
			return domain.ErrReservationGone
		}
		if res.UserID != callerID(r) {
			return domain.Forbiddenf("reservation belongs to another user")
		}
		return tx.CancelReservation(id)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
