// SPDX-License-Identifier: MIT

// Package config centralizes environment parsing for the daemon. All knobs are
// plain environment variables with defaults suitable for local development; an
// optional YAML file (CONFIG_FILE) can seed values that the environment then
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"
)

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	// Env is the deployment environment: development, staging or production.
	Env string
	// Port is the TCP port the public API and relay listen on.
	Port int
	// MetricsAddr, when set, exposes Prometheus metrics on a separate listener
	// (e.g. "127.0.0.1:9090"). Empty serves /metrics on the main listener.
	MetricsAddr string
	// ShutdownTimeout bounds graceful drain of in-flight requests.
	ShutdownTimeout time.Duration

	Log      LogConfig
	DB       DBConfig
	Billing  BillingConfig
	Session  SessionConfig
	Queue    QueueConfig
	Host     HostConfig
	Token    TokenConfig
	Auth     AuthConfig
	API      APIConfig
	Relay    RelayConfig
	Presence PresenceConfig
	Tracing  TracingConfig
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string
	Format string // json or console
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// BillingConfig holds the settlement rates applied when sessions end.
type BillingConfig struct {
	// PlatformFeeRate is the fraction of elapsed cost retained by the
	// platform on a normal completion, in [0,1].
	PlatformFeeRate float64
	// HostPenaltyRate is the fraction of the host payout withheld and granted
	// to the client as credit when the host causes the failure, in [0,1].
	HostPenaltyRate float64
}

// SessionConfig drives the expiry sweeper.
type SessionConfig struct {
	// ExpirationInterval is how often the sweeper looks for sessions past
	// their planned end.
	ExpirationInterval time.Duration
}

// QueueConfig drives promotion housekeeping.
type QueueConfig struct {
	// PromotionTTL bounds how long an entry may sit in PROMOTED before the
	// slot is handed to the next waiter.
	PromotionTTL time.Duration
}

// HostConfig drives the heartbeat monitor.
type HostConfig struct {
	// HeartbeatTimeout marks a host stale when idle.
	HeartbeatTimeout time.Duration
	// HeartbeatTimeoutActive marks a host stale while one of its PCs has an
	// active session; longer because a streaming host may deprioritize the
	// control channel.
	HeartbeatTimeoutActive time.Duration
	// CheckInterval is how often the monitor sweeps.
	CheckInterval time.Duration
	// OfflineGrace delays the offline cascade after the timeout elapses.
	OfflineGrace time.Duration
	// OfflineGraceActive is the grace applied while a session is active.
	OfflineGraceActive time.Duration
}

// TokenConfig controls stream connect tokens.
type TokenConfig struct {
	// TTL is the stream connect token lifetime. Minimum one minute.
	TTL time.Duration
}

// AuthConfig controls request authentication.
type AuthConfig struct {
	// JWTSecret, when set, enables HS256 signature verification of Bearer
	// tokens. Empty accepts unverified tokens (development only).
	JWTSecret string
	// AutoProvision creates unknown users with a zero-balance wallet on first
	// authenticated request. Forced off in production.
	AutoProvision bool
}

// APIConfig controls the HTTP ingress.
type APIConfig struct {
	// RateLimitRPM is the per-IP request budget per minute. Zero disables.
	RateLimitRPM int
	// TrustedProxies is a CSV of CIDRs allowed to assert X-Forwarded-For.
	TrustedProxies string
	// AllowedOrigins is a CSV of CORS origins; empty keeps localhost dev
	// defaults, "*" allows all.
	AllowedOrigins string
}

// RelayConfig bounds the WebSocket stream relay.
type RelayConfig struct {
	// MaxPayloadBytes caps a single host frame message.
	MaxPayloadBytes int64
	// HostBytesPerSec throttles host ingress per connection.
	HostBytesPerSec int
	// ClientMsgsPerSec throttles client control messages per connection.
	ClientMsgsPerSec int
	// ClientMaxMsgBytes caps a single client control message.
	ClientMaxMsgBytes int64
	// SendQueueFrames is the per-peer outbound buffer before the peer is
	// considered too slow and disconnected.
	SendQueueFrames int
	// RoomLinger keeps a room alive after both peers drop, allowing a quick
	// reconnect to resume without a new token.
	RoomLinger time.Duration
	// ConnectAttemptsPerMin limits websocket connect attempts per IP.
	ConnectAttemptsPerMin int
}

// PresenceConfig selects the host presence backend.
type PresenceConfig struct {
	// Backend is one of memory, redis or badger.
	Backend string
	// RedisAddr, RedisPassword and RedisDB configure the redis backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// BadgerPath is the on-disk directory for the badger backend.
	BadgerPath string
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled    bool
	Exporter   string // grpc or http
	Endpoint   string
	SampleRate float64
}

// FromEnv builds an AppConfig from the process environment, seeded by the
// optional YAML file named in CONFIG_FILE. Environment variables always win
// over file values.
func FromEnv() (*AppConfig, error) {
	seed := defaults()
	if path := ParseString("CONFIG_FILE", ""); path != "" {
		if err := applyFile(&seed, path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	cfg := fromEnvWith(seed)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		Env:             "development",
		Port:            3333,
		MetricsAddr:     "",
		ShutdownTimeout: 15 * time.Second,
		Log:             LogConfig{Level: "info", Format: "json"},
		DB:              DBConfig{Path: "data/nuvemplay.db", BusyTimeout: 5 * time.Second},
		Billing:         BillingConfig{PlatformFeeRate: 0.10, HostPenaltyRate: 0.30},
		Session:         SessionConfig{ExpirationInterval: 30 * time.Second},
		Queue:           QueueConfig{PromotionTTL: 90 * time.Second},
		Host: HostConfig{
			HeartbeatTimeout:       60 * time.Second,
			HeartbeatTimeoutActive: 180 * time.Second,
			CheckInterval:          30 * time.Second,
			OfflineGrace:           45 * time.Second,
			OfflineGraceActive:     120 * time.Second,
		},
		Token: TokenConfig{TTL: time.Hour},
		Auth:  AuthConfig{JWTSecret: "", AutoProvision: true},
		API:   APIConfig{RateLimitRPM: 300, TrustedProxies: ""},
		Relay: RelayConfig{
			MaxPayloadBytes:       2 << 20,
			HostBytesPerSec:       20_000_000,
			ClientMsgsPerSec:      20,
			ClientMaxMsgBytes:     4096,
			SendQueueFrames:       64,
			RoomLinger:            10 * time.Second,
			ConnectAttemptsPerMin: 6,
		},
		Presence: PresenceConfig{Backend: "memory", RedisAddr: "localhost:6379"},
		Tracing:  TracingConfig{Enabled: false, Exporter: "grpc", SampleRate: 1.0},
	}
}

func fromEnvWith(d AppConfig) *AppConfig {
	cfg := &AppConfig{
		Env:             strings.ToLower(ParseString("APP_ENV", d.Env)),
		Port:            ParseInt("PORT", d.Port),
		MetricsAddr:     ParseString("METRICS_ADDR", d.MetricsAddr),
		ShutdownTimeout: ParseMillis("SHUTDOWN_TIMEOUT_MS", d.ShutdownTimeout),
		Log: LogConfig{
			Level:  ParseString("LOG_LEVEL", d.Log.Level),
			Format: ParseString("LOG_FORMAT", d.Log.Format),
		},
		DB: DBConfig{
			Path:        ParseString("DB_PATH", d.DB.Path),
			BusyTimeout: ParseMillis("DB_BUSY_TIMEOUT_MS", d.DB.BusyTimeout),
		},
		Billing: BillingConfig{
			PlatformFeeRate: ParseFloat("PLATFORM_FEE_RATE", d.Billing.PlatformFeeRate),
			HostPenaltyRate: ParseFloat("HOST_PENALTY_RATE", d.Billing.HostPenaltyRate),
		},
		Session: SessionConfig{
			ExpirationInterval: ParseMillis("SESSION_EXPIRATION_INTERVAL_MS", d.Session.ExpirationInterval),
		},
		Queue: QueueConfig{
			PromotionTTL: time.Duration(ParseInt("QUEUE_PROMOTION_TTL_SECONDS", int(d.Queue.PromotionTTL/time.Second))) * time.Second,
		},
		Host: HostConfig{
			HeartbeatTimeout:       ParseMillis("HOST_HEARTBEAT_TIMEOUT_MS", d.Host.HeartbeatTimeout),
			HeartbeatTimeoutActive: ParseMillis("HOST_HEARTBEAT_TIMEOUT_ACTIVE_MS", d.Host.HeartbeatTimeoutActive),
			CheckInterval:          ParseMillis("HOST_HEARTBEAT_CHECK_INTERVAL_MS", d.Host.CheckInterval),
			OfflineGrace:           time.Duration(ParseInt("HOST_OFFLINE_GRACE_SECONDS", int(d.Host.OfflineGrace/time.Second))) * time.Second,
			OfflineGraceActive:     time.Duration(ParseInt("HOST_OFFLINE_GRACE_ACTIVE_SECONDS", int(d.Host.OfflineGraceActive/time.Second))) * time.Second,
		},
		Token: TokenConfig{
			TTL: ParseMillis("STREAM_CONNECT_TOKEN_TTL_MS", d.Token.TTL),
		},
		Auth: AuthConfig{
			JWTSecret:     ParseString("AUTH_JWT_SECRET", d.Auth.JWTSecret),
			AutoProvision: ParseBool("AUTH_AUTO_PROVISION", d.Auth.AutoProvision),
		},
		API: APIConfig{
			RateLimitRPM:   ParseInt("API_RATE_LIMIT_RPM", d.API.RateLimitRPM),
			TrustedProxies: ParseString("TRUSTED_PROXIES", d.API.TrustedProxies),
			AllowedOrigins: ParseString("ALLOWED_ORIGINS", d.API.AllowedOrigins),
		},
		Relay: RelayConfig{
			MaxPayloadBytes:       int64(ParseInt("RELAY_MAX_PAYLOAD_BYTES", int(d.Relay.MaxPayloadBytes))),
			HostBytesPerSec:       ParseInt("RELAY_HOST_BYTES_PER_SEC", d.Relay.HostBytesPerSec),
			ClientMsgsPerSec:      ParseInt("RELAY_CLIENT_MSGS_PER_SEC", d.Relay.ClientMsgsPerSec),
			ClientMaxMsgBytes:     int64(ParseInt("RELAY_CLIENT_MAX_MSG_BYTES", int(d.Relay.ClientMaxMsgBytes))),
			SendQueueFrames:       ParseInt("RELAY_SEND_QUEUE_FRAMES", d.Relay.SendQueueFrames),
			RoomLinger:            ParseMillis("RELAY_ROOM_LINGER_MS", d.Relay.RoomLinger),
			ConnectAttemptsPerMin: ParseInt("RELAY_CONNECT_ATTEMPTS_PER_MIN", d.Relay.ConnectAttemptsPerMin),
		},
		Presence: PresenceConfig{
			Backend:       strings.ToLower(ParseString("PRESENCE_BACKEND", d.Presence.Backend)),
			RedisAddr:     ParseString("REDIS_ADDR", d.Presence.RedisAddr),
			RedisPassword: ParseString("REDIS_PASSWORD", d.Presence.RedisPassword),
			RedisDB:       ParseInt("REDIS_DB", d.Presence.RedisDB),
			BadgerPath:    ParseString("PRESENCE_BADGER_PATH", d.Presence.BadgerPath),
		},
		Tracing: TracingConfig{
			Enabled:    ParseBool("TRACING_ENABLED", d.Tracing.Enabled),
			Exporter:   ParseString("TRACING_EXPORTER", d.Tracing.Exporter),
			Endpoint:   ParseString("TRACING_ENDPOINT", d.Tracing.Endpoint),
			SampleRate: ParseFloat("TRACING_SAMPLE_RATE", d.Tracing.SampleRate),
		},
	}
	if cfg.Env == "production" {
		// Production never auto-creates accounts; sign-up goes through the
		// identity provider.
		cfg.Auth.AutoProvision = false
	}
	return cfg
}

// Validate checks ranges and cross-field constraints. It is called by FromEnv
// and again by the hot-reload holder before swapping in a new snapshot.
func (c *AppConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.Billing.PlatformFeeRate < 0 || c.Billing.PlatformFeeRate > 1 {
		return fmt.Errorf("PLATFORM_FEE_RATE out of range [0,1]: %v", c.Billing.PlatformFeeRate)
	}
	if c.Billing.HostPenaltyRate < 0 || c.Billing.HostPenaltyRate > 1 {
		return fmt.Errorf("HOST_PENALTY_RATE out of range [0,1]: %v", c.Billing.HostPenaltyRate)
	}
	if c.Session.ExpirationInterval < time.Second {
		return fmt.Errorf("SESSION_EXPIRATION_INTERVAL_MS too small: %v", c.Session.ExpirationInterval)
	}
	if c.Host.CheckInterval < time.Second {
		return fmt.Errorf("HOST_HEARTBEAT_CHECK_INTERVAL_MS too small: %v", c.Host.CheckInterval)
	}
	if c.Host.HeartbeatTimeout <= 0 || c.Host.HeartbeatTimeoutActive <= 0 {
		return fmt.Errorf("heartbeat timeouts must be positive")
	}
	if c.Host.HeartbeatTimeoutActive < c.Host.HeartbeatTimeout {
		return fmt.Errorf("HOST_HEARTBEAT_TIMEOUT_ACTIVE_MS (%v) must be >= HOST_HEARTBEAT_TIMEOUT_MS (%v)",
			c.Host.HeartbeatTimeoutActive, c.Host.HeartbeatTimeout)
	}
	if c.Host.OfflineGrace < 0 || c.Host.OfflineGraceActive < 0 {
		return fmt.Errorf("offline grace must not be negative")
	}
	if c.Queue.PromotionTTL < 10*time.Second {
		return fmt.Errorf("QUEUE_PROMOTION_TTL_SECONDS too small: %v", c.Queue.PromotionTTL)
	}
	if c.Token.TTL < time.Minute {
		return fmt.Errorf("STREAM_CONNECT_TOKEN_TTL_MS below minimum of one minute: %v", c.Token.TTL)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	if c.DB.BusyTimeout < 0 {
		return fmt.Errorf("DB_BUSY_TIMEOUT_MS must not be negative")
	}
	if c.API.RateLimitRPM < 0 {
		return fmt.Errorf("API_RATE_LIMIT_RPM must not be negative")
	}
	if c.Relay.MaxPayloadBytes < 1024 {
		return fmt.Errorf("RELAY_MAX_PAYLOAD_BYTES too small: %d", c.Relay.MaxPayloadBytes)
	}
	if c.Relay.SendQueueFrames < 1 {
		return fmt.Errorf("RELAY_SEND_QUEUE_FRAMES must be at least 1")
	}
	if c.Relay.ClientMaxMsgBytes < 64 {
		return fmt.Errorf("RELAY_CLIENT_MAX_MSG_BYTES too small: %d", c.Relay.ClientMaxMsgBytes)
	}
	if c.Relay.RoomLinger < 0 {
		return fmt.Errorf("RELAY_ROOM_LINGER_MS must not be negative")
	}
	switch c.Presence.Backend {
	case "memory", "redis", "badger":
	default:
		return fmt.Errorf("PRESENCE_BACKEND must be memory, redis or badger, got %q", c.Presence.Backend)
	}
	if c.Presence.Backend == "redis" && c.Presence.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR required for redis presence backend")
	}
	if c.Presence.Backend == "badger" && c.Presence.BadgerPath == "" {
		return fmt.Errorf("PRESENCE_BADGER_PATH required for badger presence backend")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "grpc", "http":
		default:
			return fmt.Errorf("TRACING_EXPORTER must be grpc or http, got %q", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("TRACING_SAMPLE_RATE out of range [0,1]: %v", c.Tracing.SampleRate)
		}
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_MS too small: %v", c.ShutdownTimeout)
	}
	return nil
}

// IsProduction reports whether the daemon runs with production hardening:
// dev bypass headers rejected, auto-provisioning off.
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// ListenAddr is the bind address for the public listener.
func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
