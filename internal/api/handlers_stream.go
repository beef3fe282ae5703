// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/store"
)

// errRoomNotFound covers both an unknown streamId and a room that aged
// out of presence.
var errRoomNotFound = &domain.Error{
	Code:    "ROOM_NOT_FOUND",
	Status:  http.StatusNotFound,
	Message: "no live room for this stream",
}

type connectTokenRequest struct {
	PCID string `json:"pcId"`
}

type connectTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleConnectToken mints a single-use stream credential against the
// caller's ACTIVE session on the PC.
func (s *Server) handleConnectToken(w http.ResponseWriter, r *http.Request) {
	var req connectTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	tok, err := s.tokens.Issue(r.Context(), req.PCID, callerID(r), clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectTokenResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
}

type resolveRequest struct {
	Token string `json:"token"`
}

type resolveResponse struct {
	ConnectAddress string `json:"connectAddress"`
	ConnectHint    string `json:"connectHint"`
	PCName         string `json:"pcName"`
	PCID           string `json:"pcId"`
	SessionID      string `json:"sessionId"`
	StreamID       string `json:"streamId"`
}

// handleResolve burns the token for the PC endpoint. The streamId in the
// response keys the relay room should the direct path not work out.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.tokens.Resolve(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		ConnectAddress: res.Address,
		ConnectHint:    res.Hint,
		PCName:         res.PCName,
		PCID:           res.PCID,
		SessionID:      res.SessionID,
		StreamID:       res.StreamID,
	})
}

type pairingRequest struct {
	PCID string `json:"pcId"`
	Pin  string `json:"pin"`
}

// handlePairing pushes a streaming-stack pairing pin to the host peer of
// the caller's live room. Delivery is best effort; the pin never appears
// in logs.
func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pin := strings.TrimSpace(req.Pin)
	if pin == "" || len(pin) > 12 || strings.ContainsAny(pin, " \t\r\n") {
		writeError(w, r, domain.Validationf("pin must be 1 to 12 characters without whitespace"))
		return
	}
	if req.PCID == "" {
		writeError(w, r, domain.Validationf("pcId is required"))
		return
	}

	var se *domain.Session
	err := s.store.ReadTx(r.Context(), func(tx *store.Tx) error {
		var err error
		se, err = tx.ActiveSessionForPCAndUser(req.PCID, callerID(r))
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if se == nil {
		writeDomainError(w, domain.ErrSessionNotActive)
		return
	}

	delivered := false
	if s.pins != nil {
		delivered = s.pins.ForwardPairingPin(se.ID, pin)
	}

	s.logger.Info().
		Str("event", "stream.pairing").
		Str("session_id", se.ID).
		Str("pc_id", req.PCID).
		Str("pin", "[redacted]").
		Bool("delivered", delivered).
		Msg("pairing pin relayed")
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

// handleRoomGet exposes live room presence to the two participants of
// its session.
func (s *Server) handleRoomGet(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeDomainError(w, errRoomNotFound)
		return
	}
	state, err := s.presence.Get(r.Context(), chi.URLParam(r, "streamId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if state == nil {
		writeDomainError(w, errRoomNotFound)
		return
	}

	ok, err := s.isRoomParticipant(r, state.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeDomainError(w, domain.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": state})
}

// isRoomParticipant admits the session's client and the host owning the
// session's PC.
func (s *Server) isRoomParticipant(r *http.Request, sessionID string) (bool, error) {
	ctx := r.Context()
	caller := callerID(r)

	se, err := s.store.GetSession(ctx, sessionID)
	if err != nil || se == nil {
		return false, err
	}
	if se.ClientUserID == caller {
		return true, nil
	}
	pc, err := s.store.GetPC(ctx, se.PCID)
	if err != nil || pc == nil {
		return false, err
	}
	host, err := s.store.GetHostProfile(ctx, pc.HostID)
	if err != nil || host == nil {
		return false, err
	}
	return host.UserID == caller, nil
}
