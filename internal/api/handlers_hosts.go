// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/reliability"
)

type heartbeatRequest struct {
	// Status optionally self-reports the fleet: ONLINE brings the host's
	// OFFLINE machines up, OFFLINE takes the ONLINE ones down. BUSY
	// machines are never touched.
	Status string `json:"status"`
}

// handleHostHeartbeat stamps host daemon liveness. First contact creates
// the host profile, so a fresh install only needs credentials.
func (s *Server) handleHostHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	report := domain.PCStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	host, err := s.heartbeats.RegisterHeartbeat(r.Context(), callerID(r), report)
	if err != nil {
		writeError(w, r, err)
		return
	}
	uptime, err := s.heartbeats.Uptime(r.Context(), host.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":       host,
		"uptime24h":  uptime,
		"serverTime": s.clock.Now().UTC(),
	})
}

// handleHostReliability shows the caller their own standing: score, badge,
// trailing-week uptime and the event history behind the score.
func (s *Server) handleHostReliability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host, err := s.hostProfileOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.tracker.Events(ctx, host.ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*domain.ReliabilityEvent{}
	}
	uptime, err := s.tracker.UptimeRatio(ctx, host.ID, uptimeWindow, s.clock.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":     host,
		"badge":    reliability.BadgeFor(host),
		"uptime7d": uptime,
		"events":   events,
	})
}
