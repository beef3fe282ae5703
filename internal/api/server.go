// SPDX-License-Identifier: MIT

// Package api is the HTTP ingress: identity resolution, the JSON endpoint
// surface over the marketplace services, and the mount point for the
// stream relay WebSocket.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/api/middleware"
	"github.com/nuvemplay/core/internal/config"
	"github.com/nuvemplay/core/internal/heartbeat"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/presence"
	"github.com/nuvemplay/core/internal/queue"
	"github.com/nuvemplay/core/internal/reliability"
	"github.com/nuvemplay/core/internal/session"
	"github.com/nuvemplay/core/internal/store"
	"github.com/nuvemplay/core/internal/streamtoken"
)

// PinForwarder pushes a pairing pin to the host peer of a live relay room.
type PinForwarder interface {
	ForwardPairingPin(sessionID, pin string) bool
}

// Deps carries everything the server serves. Relay and Pins are optional;
// without them the WS route is absent and pairing reports undelivered.
type Deps struct {
	Config     *config.AppConfig
	Store      *store.Store
	Sessions   *session.Service
	Queue      *queue.Manager
	Heartbeats *heartbeat.Service
	Tokens     *streamtoken.Service
	Tracker    *reliability.Tracker
	Presence   presence.Store
	Relay      http.Handler
	Pins       PinForwarder
	Clock      clockwork.Clock
}

// Server owns the HTTP surface. Construct with NewServer, mount Routes.
type Server struct {
	cfg        *config.AppConfig
	store      *store.Store
	sessions   *session.Service
	queue      *queue.Manager
	heartbeats *heartbeat.Service
	tokens     *streamtoken.Service
	tracker    *reliability.Tracker
	presence   presence.Store
	relay      http.Handler
	pins       PinForwarder
	clock      clockwork.Clock
	instanceID string
	logger     zerolog.Logger
}

// NewServer wires the handler set. The instance ID is minted per process
// and surfaced on /health so load-balanced deployments can tell replicas
// apart.
func NewServer(d Deps) *Server {
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		sessions:   d.Sessions,
		queue:      d.Queue,
		heartbeats: d.Heartbeats,
		tokens:     d.Tokens,
		tracker:    d.Tracker,
		presence:   d.Presence,
		relay:      d.Relay,
		pins:       d.Pins,
		clock:      clock,
		instanceID: uuid.NewString(),
		logger:     log.WithComponent("api"),
	}
}

// InstanceID returns the per-process identifier echoed on /health.
func (s *Server) InstanceID() string { return s.instanceID }

// Routes builds the router with the canonical middleware stack applied.
func (s *Server) Routes() http.Handler {
	SetTrustedProxies(s.cfg.API.TrustedProxies)

	tracing := ""
	if s.cfg.Tracing.Enabled {
		tracing = "nuvemplay-api"
	}
	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            true,
		AllowedOrigins:        config.SplitCSV(s.cfg.API.AllowedOrigins),
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        tracing,
		EnableLogging:         true,
		RateLimitRPM:          s.cfg.API.RateLimitRPM,
	})

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	// Metrics share the API port only when no dedicated listener is set.
	if s.cfg.MetricsAddr == "" {
		r.Handle("/metrics", promhttp.Handler())
	}

	// The relay authenticates by stream token, not request identity.
	if s.relay != nil {
		r.Handle("/stream/relay", s.relay)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.identity)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleSessionCreate)
			r.Get("/{id}", s.handleSessionGet)
			r.Post("/{id}/start", s.handleSessionStart)
			r.Post("/{id}/end", s.handleSessionEnd)
		})

		r.Route("/pcs", func(r chi.Router) {
			r.Get("/", s.handlePCList)
			r.Post("/", s.handlePCCreate)
			r.Get("/{id}", s.handlePCGet)
			r.Put("/{id}", s.handlePCUpdate)
			r.Delete("/{id}", s.handlePCDelete)
			r.Patch("/{id}/status", s.handlePCStatus)

			r.Post("/{pcId}/queue/join", s.handleQueueJoin)
			r.Post("/{pcId}/queue/leave", s.handleQueueLeave)
			r.Get("/{pcId}/queue", s.handleQueueStatus)

			r.Post("/{pcId}/reservations", s.handleReservationCreate)
			r.Get("/{pcId}/reservations", s.handleReservationList)
		})

		r.Get("/my/sessions", s.handleSessionList)
		r.Get("/my/queue/updates", s.handleQueueUpdates)
		r.Get("/my/host/reliability", s.handleHostReliability)
		r.Delete("/reservations/{id}", s.handleReservationCancel)

		// Flat paths: /stream/relay lives outside this group on the same
		// trie, so the stream routes cannot be a mounted subrouter.
		r.Post("/stream/connect-token", s.handleConnectToken)
		r.Post("/stream/resolve", s.handleResolve)
		r.Post("/stream/pairing", s.handlePairing)
		r.Get("/stream/rooms/{streamId}", s.handleRoomGet)

		r.Post("/hosts/heartbeat", s.handleHostHeartbeat)
	})

	return r
}

// handleHealth is liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "ok",
		"serverInstanceId": s.instanceID,
	})
}

// handleReady is readiness: the store and presence backend answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database",
		})
		return
	}
	if s.presence != nil {
		if err := s.presence.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "presence",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
