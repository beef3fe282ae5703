// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/queue"
	"github.com/nuvemplay/core/internal/telemetry"
)

type joinQueueRequest struct {
	MinutesPurchased int `json:"minutesPurchased"`
}

type queuedResponse struct {
	Entry      *domain.QueueEntry `json:"entry"`
	Position   int                `json:"position"`
	QueueCount int                `json:"queueCount"`
}

// handleQueueJoin asks for a slot on a PC. A free ONLINE machine fuses
// straight into a booked session (201, same envelope as POST /sessions);
// otherwise the caller lands in line (200 with position).
func (s *Server) handleQueueJoin(w http.ResponseWriter, r *http.Request) {
	var req joinQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.queue.Join(r.Context(), queue.JoinParams{
		PCID:             chi.URLParam(r, "pcId"),
		UserID:           callerID(r),
		MinutesPurchased: req.MinutesPurchased,
		BypassCredits:    s.devBypass(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.Session != nil {
		tagSession(r, res.Session)
		s.captureClientIP(r, res.Session.ID)
		writeJSON(w, http.StatusCreated, sessionResponse{Session: res.Session, Code: "SESSION_CREATED"})
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.QueueAttributes(chi.URLParam(r, "pcId"), res.Position, res.QueueCount)...)
	writeJSON(w, http.StatusOK, queuedResponse{
		Entry:      res.Entry,
		Position:   res.Position,
		QueueCount: res.QueueCount,
	})
}

// handleQueueLeave cancels the caller's WAITING slot. A repeat leave, or
// a leave without a slot, reports QUEUE_ENTRY_NOT_FOUND and changes
// nothing.
func (s *Server) handleQueueLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Leave(r.Context(), chi.URLParam(r, "pcId"), callerID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"left": true})
}

type queueStatusResponse struct {
	QueueCount int                `json:"queueCount"`
	Position   int                `json:"position,omitempty"`
	Status     domain.QueueStatus `json:"status,omitempty"`
	SessionID  string             `json:"sessionId,omitempty"`
}

// handleQueueStatus reports the line depth on a PC and, for the caller,
// their place in it.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Status(r.Context(), chi.URLParam(r, "pcId"), callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatusResponse{
		QueueCount: res.QueueCount,
		Position:   res.Position,
		Status:     res.Status,
		SessionID:  res.SessionID,
	})
}

// handleQueueUpdates enumerates the caller's open queue memberships
// across all PCs, for the client's polling loop.
func (s *Server) handleQueueUpdates(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.UserEntries(r.Context(), callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*domain.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": entries})
}
