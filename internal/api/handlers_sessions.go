// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/session"
	"github.com/nuvemplay/core/internal/store"
	"github.com/nuvemplay/core/internal/telemetry"
)

type createSessionRequest struct {
	PCID             string `json:"pcId"`
	ClientUserID     string `json:"clientUserId"`
	MinutesPurchased int    `json:"minutesPurchased"`
}

type sessionResponse struct {
	Session *domain.Session `json:"session"`
	Code    string          `json:"code,omitempty"`
}

// handleSessionCreate books a PENDING session and debits the hold.
// clientUserId may be omitted; when present it must match the caller.
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	caller := callerID(r)
	if req.ClientUserID != "" && req.ClientUserID != caller {
		writeDomainError(w, domain.Forbiddenf("sessions can only be booked for the caller"))
		return
	}

	se, err := s.sessions.Create(r.Context(), session.CreateParams{
		PCID:             req.PCID,
		ClientUserID:     caller,
		MinutesPurchased: req.MinutesPurchased,
		BypassCredits:    s.devBypass(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	tagSession(r, se)
	s.captureClientIP(r, se.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{Session: se, Code: "SESSION_CREATED"})
}

// handleSessionStart flips PENDING to ACTIVE and the PC to BUSY.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	se, err := s.sessions.Start(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	tagSession(r, se)
	writeJSON(w, http.StatusOK, sessionResponse{Session: se})
}

type endSessionRequest struct {
	FailureReason string `json:"failureReason"`
	HostFault     bool   `json:"hostFault"`
}

// handleSessionEnd settles and closes a session. Allowed for the booking
// client and for the host owning the PC; hostFault shortcuts the reason
// to HOST for host-side aborts.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	se, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if se == nil {
		writeDomainError(w, domain.ErrSessionNotFound)
		return
	}
	if err := s.authorizeSessionEnd(r, se); err != nil {
		writeError(w, r, err)
		return
	}

	reason := domain.FailureReason(strings.ToUpper(strings.TrimSpace(req.FailureReason)))
	if req.HostFault {
		reason = domain.FailureHost
	}

	ended, err := s.sessions.End(r.Context(), id, session.EndParams{Reason: reason})
	if err != nil {
		writeError(w, r, err)
		return
	}
	tagSession(r, ended)
	writeJSON(w, http.StatusOK, sessionResponse{Session: ended})
}

// tagSession enriches the request span so traces filter by session.
func tagSession(r *http.Request, se *domain.Session) {
	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.SessionAttributes(se.ID, se.PCID, string(se.Status))...)
}

// authorizeSessionEnd admits the booking client and the PC's host.
func (s *Server) authorizeSessionEnd(r *http.Request, se *domain.Session) error {
	caller := callerID(r)
	if se.ClientUserID == caller {
		return nil
	}
	host, err := s.store.GetHostProfileByUser(r.Context(), caller)
	if err != nil {
		return err
	}
	if host != nil {
		pc, err := s.store.GetPC(r.Context(), se.PCID)
		if err != nil {
			return err
		}
		if pc != nil && pc.HostID == host.ID {
			return nil
		}
	}
	return domain.Forbiddenf("only the session client or the PC host may end it")
}

// handleSessionGet returns the caller's session with live minutesUsed.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	se, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"), callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: se})
}

// handleSessionList returns the caller's booking history, newest first.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.sessions.ListForUser(r.Context(), callerID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// captureClientIP stamps the booking with the caller's address for abuse
// follow-up. Best effort; a failure never blocks the booking.
func (s *Server) captureClientIP(r *http.Request, sessionID string) {
	ip := clientIP(r)
	if ip == "" {
		return
	}
	err := s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		return tx.CaptureSessionClientIP(sessionID, ip, s.clock.Now().UTC())
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("client ip capture failed")
	}
}
