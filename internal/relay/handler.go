// SPDX-License-Identifier: MIT

package relay

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/metrics"
	"github.com/nuvemplay/core/internal/streamtoken"
	"github.com/nuvemplay/core/internal/telemetry"
)

// Handler upgrades relay websocket connections. The handshake carries
// role, sessionId, streamId, token and userId as query parameters; only
// rate limiting is enforced before the upgrade so every other denial can
// reach the browser as a close code it is able to read.
type Handler struct {
	hub      *Hub
	tokens   *streamtoken.Service
	limiter  *connLimiter
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, tokens *streamtoken.Service) *Handler {
	return &Handler{
		hub:     hub,
		tokens:  tokens,
		limiter: newConnLimiter(hub.cfg.ConnectPerMinute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The web client is served from a different origin than the
			// API; authorization rides on the stream token instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("relay"),
	}
}

// Close releases the handler's limiter cache.
func (h *Handler) Close() { h.limiter.stop() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := Role(q.Get("role"))
	sessionID := q.Get("sessionId")
	streamID := q.Get("streamId")
	token := q.Get("token")
	userID := q.Get("userId")

	if (role != RoleHost && role != RoleClient) || sessionID == "" || streamID == "" || token == "" || userID == "" {
		http.Error(w, "missing or invalid handshake parameters", http.StatusBadRequest)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.RelayAttributes(streamID, string(role))...)

	ip := remoteIP(r)
	if !h.limiter.allow(ip, userID, sessionID) {
		metrics.IncRelayConnectDenied("rate")
		h.logger.Warn().
			Str("event", "relay_connect_denied_rate").
			Str("remote_ip", ip).
			Str("session_id", sessionID).
			Msg("relay connect attempts over limit")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	res, err := h.tokens.Peek(r.Context(), token, sessionID)
	if err != nil {
		code, deny := CloseTokenInvalid, "token"
		if errors.Is(err, domain.ErrSessionNotActive) || errors.Is(err, domain.ErrSessionNotFound) {
			code, deny = CloseSessionNotActive, "session"
		}
		h.reject(conn, code, deny, sessionID, ip)
		return
	}
	if streamtoken.DeriveStreamID(token) != streamID {
		h.reject(conn, CloseTokenInvalid, "token", sessionID, ip)
		return
	}
	switch role {
	case RoleClient:
		if userID != res.Session.ClientUserID {
			h.reject(conn, CloseRoleMismatch, "role", sessionID, ip)
			return
		}
	case RoleHost:
		if res.Host == nil || userID != res.Host.UserID {
			h.reject(conn, CloseRoleMismatch, "role", sessionID, ip)
			return
		}
	}

	p := newPeer(conn, role, userID, ip, h.hub.cfg)
	if h.hub.join(p, streamID, res.Session.ID, res.PC.ID) == nil {
		h.reject(conn, CloseRoomClosed, "session", sessionID, ip)
		return
	}
	go p.writePump()
	go p.readPump(h.hub)
}

// reject closes a freshly upgraded connection with an application close
// code. No peer exists yet, so writing directly is safe.
func (h *Handler) reject(conn *websocket.Conn, code int, deny, sessionID, ip string) {
	metrics.IncRelayConnectDenied(deny)
	metrics.IncRelayClose(strconv.Itoa(code))
	h.logger.Warn().
		Str("event", "relay.connect_denied").
		Str("reason", closeReason(code)).
		Str("session_id", sessionID).
		Str("remote_ip", ip).
		Msg("relay connection rejected")
	msg := websocket.FormatCloseMessage(code, closeReason(code))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// remoteIP favors the first X-Forwarded-For hop, falling back to the
// socket address. Good enough as a rate-limit key; the API layer owns
// the trusted-proxy logic for anything with authorization weight.
func remoteIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		if i := strings.IndexByte(xf, ','); i >= 0 {
			xf = xf[:i]
		}
		xf = strings.TrimSpace(xf)
		if xf != "" && !strings.EqualFold(xf, "unknown") {
			return xf
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
