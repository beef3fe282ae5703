// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuvemplay/core/internal/api"
	"github.com/nuvemplay/core/internal/config"
	"github.com/nuvemplay/core/internal/daemon"
	"github.com/nuvemplay/core/internal/health"
	"github.com/nuvemplay/core/internal/heartbeat"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/presence"
	"github.com/nuvemplay/core/internal/queue"
	"github.com/nuvemplay/core/internal/reliability"
	"github.com/nuvemplay/core/internal/relay"
	"github.com/nuvemplay/core/internal/session"
	"github.com/nuvemplay/core/internal/store"
	"github.com/nuvemplay/core/internal/streamtoken"
	"github.com/nuvemplay/core/internal/telemetry"
	"github.com/nuvemplay/core/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheckCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded
	log.Configure(log.Config{
		Level:   "info",
		Service: "nuvemplay",
	})
	logger := log.WithComponent("daemon")

	// Create a context that listens for the interrupt signal from the OS
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration with precedence: ENV > file > defaults
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}

	// Re-configure logger with loaded configuration
	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "nuvemplay",
	})

	// -------------------------------------------------------------------------
	// Pre-flight checks (fail fast)
	// -------------------------------------------------------------------------
	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.ListenAddr()).
		Msg("starting nuvemplay")

	// Log key configuration
	logger.Info().Msgf("→ Env: %s", cfg.Env)
	logger.Info().Msgf("→ Database: %s", cfg.DB.Path)
	logger.Info().Msgf("→ Presence backend: %s", cfg.Presence.Backend)
	logger.Info().Msgf("→ Billing: platform fee %.0f%%, host penalty %.0f%%",
		cfg.Billing.PlatformFeeRate*100, cfg.Billing.HostPenaltyRate*100)
	if cfg.Auth.JWTSecret != "" {
		logger.Info().Msg("→ Auth: JWT signature verification enabled")
	} else {
		logger.Warn().
			Str("security", "weak").
			Msg("→ Auth: accepting UNVERIFIED tokens. Set AUTH_JWT_SECRET for production.")
	}
	if cfg.MetricsAddr != "" {
		logger.Info().Msgf("→ Metrics: %s", cfg.MetricsAddr)
	}

	// Tracing is best-effort: the daemon runs without it.
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "nuvemplay",
		ServiceVersion: version.Version,
		Environment:    cfg.Env,
		ExporterType:   cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Telemetry initialization failed, continuing without tracing")
		provider = nil
	}

	storeCfg := store.DefaultConfig()
	if cfg.DB.BusyTimeout > 0 {
		storeCfg.BusyTimeout = cfg.DB.BusyTimeout
	}
	st, err := store.Open(cfg.DB.Path, storeCfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.open_failed").
			Str("path", cfg.DB.Path).
			Msg("failed to open database")
	}

	rooms, err := presence.New(presence.Config{
		Backend: cfg.Presence.Backend,
		Redis: presence.RedisConfig{
			Addr:     cfg.Presence.RedisAddr,
			Password: cfg.Presence.RedisPassword,
			DB:       cfg.Presence.RedisDB,
		},
		BadgerPath: cfg.Presence.BadgerPath,
	}, log.WithComponent("presence"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "presence.open_failed").
			Str("backend", cfg.Presence.Backend).
			Msg("failed to open presence backend")
	}

	// Marketplace services. The queue manager promotes waiters whenever a
	// session ends or a PC comes back online, so both the session service
	// and the heartbeat service get it as their promoter.
	clock := clockwork.NewRealClock()
	sessions := session.NewService(st, session.Config{
		PlatformFeeRate: cfg.Billing.PlatformFeeRate,
		HostPenaltyRate: cfg.Billing.HostPenaltyRate,
	}, clock)
	qm := queue.NewManager(st, sessions, cfg.Queue.PromotionTTL, clock)
	sessions.SetPromoter(qm)
	hb := heartbeat.NewService(st, clock)
	hb.SetPromoter(qm)
	tokens := streamtoken.NewService(st, cfg.Token.TTL, clock)
	tracker := reliability.NewTracker(st)

	hub := relay.NewHub(relay.Config{
		MaxPayloadBytes:   cfg.Relay.MaxPayloadBytes,
		HostBytesPerSec:   cfg.Relay.HostBytesPerSec,
		ClientMsgPerSec:   cfg.Relay.ClientMsgsPerSec,
		ClientMaxMsgBytes: int(cfg.Relay.ClientMaxMsgBytes),
		SendQueue:         cfg.Relay.SendQueueFrames,
		ConnectPerMinute:  cfg.Relay.ConnectAttemptsPerMin,
		Linger:            cfg.Relay.RoomLinger,
	}, rooms)

	relayHandler := relay.NewHandler(hub, tokens)

	srv := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      st,
		Sessions:   sessions,
		Queue:      qm,
		Heartbeats: hb,
		Tokens:     tokens,
		Tracker:    tracker,
		Presence:   rooms,
		Relay:      relayHandler,
		Pins:       hub,
		Clock:      clock,
	})

	sweeper := &session.Sweeper{
		Service:          sessions,
		Conf:             session.SweeperConfig{Interval: cfg.Session.ExpirationInterval},
		Clock:            clock,
		ExpirePromotedFn: qm.ExpirePromoted,
		PruneTokensFn:    tokens.PruneExpired,
		PruneMinutesFn: func(ctx context.Context) (int, error) {
			return tracker.Prune(ctx, clock.Now().UTC())
		},
	}

	monitor := &heartbeat.Monitor{
		Store:    st,
		Sessions: sessions,
		Conf: heartbeat.MonitorConfig{
			IdleTimeout:   cfg.Host.HeartbeatTimeout,
			ActiveTimeout: cfg.Host.HeartbeatTimeoutActive,
			IdleGrace:     cfg.Host.OfflineGrace,
			ActiveGrace:   cfg.Host.OfflineGraceActive,
			CheckInterval: cfg.Host.CheckInterval,
		},
		Clock: clock,
	}

	// Build daemon dependencies
	deps := daemon.Deps{
		Logger:     logger,
		Config:     cfg,
		APIHandler: srv.Routes(),
	}
	if cfg.MetricsAddr != "" {
		deps.MetricsHandler = operationalHandler(cfg, st, rooms, hub, sweeper, monitor)
	}

	mgr, err := daemon.NewManager(deps)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.creation.failed").
			Msg("failed to create daemon manager")
	}

	// Hooks run LIFO: the relay drains first, the store closes last.
	mgr.RegisterShutdownHook("store", func(context.Context) error { return st.Close() })
	mgr.RegisterShutdownHook("presence", func(context.Context) error { return rooms.Close() })
	if provider != nil {
		mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
	}
	mgr.RegisterShutdownHook("relay_hub", func(ctx context.Context) error {
		hub.Shutdown(ctx)
		relayHandler.Close()
		return nil
	})

	// Hot reload support: watch the optional config file and allow
	// SIGHUP-triggered reload.
	holder := config.NewHolder(cfg, config.ParseString("CONFIG_FILE", ""))

	// Start daemon app (blocks until shutdown)
	app := daemon.NewApp(logger, mgr, holder, sweeper, monitor)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon app failed")
	}

	logger.Info().Msg("server exiting")
}

// operationalHandler builds the surface served on METRICS_ADDR: Prometheus
// metrics plus the verbose health and readiness endpoints. This listener is
// meant to stay internal; the public /health and /readyz on the API port
// expose no component detail.
func operationalHandler(cfg *config.AppConfig, st *store.Store, rooms presence.Store, hub *relay.Hub, sweeper *session.Sweeper, monitor *heartbeat.Monitor) http.Handler {
	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewPingChecker("database", st.Ping))
	hm.RegisterChecker(health.NewPingChecker("presence", rooms.HealthCheck))
	hm.RegisterChecker(health.NewPingChecker("relay", hub.HealthCheck))
	hm.RegisterChecker(health.NewSweepChecker("session_sweeper", 3*cfg.Session.ExpirationInterval, sweeper.LastRun))
	hm.RegisterChecker(health.NewSweepChecker("presence_monitor", 3*cfg.Host.CheckInterval, monitor.LastRun))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", hm.ServeHealth)
	mux.HandleFunc("/readyz", hm.ServeReady)
	return mux
}
