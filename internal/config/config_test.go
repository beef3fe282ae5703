// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.Port != 3333 {
		t.Errorf("Port = %d, want 3333", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("Env = %q, want development", cfg.Env)
	}
	if cfg.Billing.PlatformFeeRate != 0.10 {
		t.Errorf("PlatformFeeRate = %v, want 0.10", cfg.Billing.PlatformFeeRate)
	}
	if cfg.Billing.HostPenaltyRate != 0.30 {
		t.Errorf("HostPenaltyRate = %v, want 0.30", cfg.Billing.HostPenaltyRate)
	}
	if cfg.Session.ExpirationInterval != 30*time.Second {
		t.Errorf("ExpirationInterval = %v, want 30s", cfg.Session.ExpirationInterval)
	}
	if cfg.Host.HeartbeatTimeout != 60*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 60s", cfg.Host.HeartbeatTimeout)
	}
	if cfg.Host.HeartbeatTimeoutActive != 180*time.Second {
		t.Errorf("HeartbeatTimeoutActive = %v, want 180s", cfg.Host.HeartbeatTimeoutActive)
	}
	if cfg.Host.OfflineGrace != 45*time.Second {
		t.Errorf("OfflineGrace = %v, want 45s", cfg.Host.OfflineGrace)
	}
	if cfg.Host.OfflineGraceActive != 120*time.Second {
		t.Errorf("OfflineGraceActive = %v, want 120s", cfg.Host.OfflineGraceActive)
	}
	if cfg.Queue.PromotionTTL != 90*time.Second {
		t.Errorf("PromotionTTL = %v, want 90s", cfg.Queue.PromotionTTL)
	}
	if cfg.Token.TTL != time.Hour {
		t.Errorf("Token.TTL = %v, want 1h", cfg.Token.TTL)
	}
	if cfg.DB.Path != "data/nuvemplay.db" {
		t.Errorf("DB.Path = %q, want data/nuvemplay.db", cfg.DB.Path)
	}
	if cfg.Relay.MaxPayloadBytes != 2<<20 {
		t.Errorf("Relay.MaxPayloadBytes = %d, want %d", cfg.Relay.MaxPayloadBytes, 2<<20)
	}
	if cfg.Relay.SendQueueFrames != 64 {
		t.Errorf("Relay.SendQueueFrames = %d, want 64", cfg.Relay.SendQueueFrames)
	}
	if cfg.Presence.Backend != "memory" {
		t.Errorf("Presence.Backend = %q, want memory", cfg.Presence.Backend)
	}
	if !cfg.Auth.AutoProvision {
		t.Error("Auth.AutoProvision = false, want true in development")
	}
	if cfg.IsProduction() {
		t.Error("IsProduction() = true for development defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("APP_ENV", "Production")
	t.Setenv("PLATFORM_FEE_RATE", "0.15")
	t.Setenv("HOST_HEARTBEAT_TIMEOUT_MS", "90000")
	t.Setenv("HOST_OFFLINE_GRACE_SECONDS", "10")
	t.Setenv("STREAM_CONNECT_TOKEN_TTL_MS", "120000")
	t.Setenv("AUTH_AUTO_PROVISION", "true")
	t.Setenv("RELAY_CLIENT_MSGS_PER_SEC", "5")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Errorf("IsProduction() = false, Env = %q", cfg.Env)
	}
	if cfg.Billing.PlatformFeeRate != 0.15 {
		t.Errorf("PlatformFeeRate = %v, want 0.15", cfg.Billing.PlatformFeeRate)
	}
	if cfg.Host.HeartbeatTimeout != 90*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 90s", cfg.Host.HeartbeatTimeout)
	}
	if cfg.Host.OfflineGrace != 10*time.Second {
		t.Errorf("OfflineGrace = %v, want 10s", cfg.Host.OfflineGrace)
	}
	if cfg.Token.TTL != 2*time.Minute {
		t.Errorf("Token.TTL = %v, want 2m", cfg.Token.TTL)
	}
	if cfg.Relay.ClientMsgsPerSec != 5 {
		t.Errorf("ClientMsgsPerSec = %d, want 5", cfg.Relay.ClientMsgsPerSec)
	}
	// AUTH_AUTO_PROVISION=true must still be forced off in production.
	if cfg.Auth.AutoProvision {
		t.Error("Auth.AutoProvision = true in production, want forced false")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"port zero", func(c *AppConfig) { c.Port = 0 }},
		{"port too high", func(c *AppConfig) { c.Port = 70000 }},
		{"fee rate negative", func(c *AppConfig) { c.Billing.PlatformFeeRate = -0.1 }},
		{"fee rate above one", func(c *AppConfig) { c.Billing.PlatformFeeRate = 1.5 }},
		{"penalty rate above one", func(c *AppConfig) { c.Billing.HostPenaltyRate = 2 }},
		{"token ttl below minimum", func(c *AppConfig) { c.Token.TTL = 30 * time.Second }},
		{"active timeout below idle", func(c *AppConfig) {
			c.Host.HeartbeatTimeout = 120 * time.Second
			c.Host.HeartbeatTimeoutActive = 60 * time.Second
		}},
		{"empty db path", func(c *AppConfig) { c.DB.Path = "" }},
		{"unknown presence backend", func(c *AppConfig) { c.Presence.Backend = "etcd" }},
		{"redis backend without addr", func(c *AppConfig) {
			c.Presence.Backend = "redis"
			c.Presence.RedisAddr = ""
		}},
		{"badger backend without path", func(c *AppConfig) {
			c.Presence.Backend = "badger"
			c.Presence.BadgerPath = ""
		}},
		{"queue ttl too small", func(c *AppConfig) { c.Queue.PromotionTTL = time.Second }},
		{"send queue zero", func(c *AppConfig) { c.Relay.SendQueueFrames = 0 }},
		{"tracing bad exporter", func(c *AppConfig) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("STREAM_CONNECT_TOKEN_TTL_MS", "1000")
	if _, err := FromEnv(); err == nil {
		t.Error("FromEnv() accepted sub-minute token TTL")
	}
}

func TestConfigFileSeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
port: 4444
logLevel: debug
platformFeeRate: 0.2
host:
  heartbeatTimeout: 2m
relay:
  sendQueueFrames: 128
presence:
  backend: memory
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	// ENV beats file.
	t.Setenv("PLATFORM_FEE_RATE", "0.25")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Port != 4444 {
		t.Errorf("Port = %d, want 4444 from file", cfg.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug from file", cfg.Log.Level)
	}
	if cfg.Host.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("HeartbeatTimeout = %v, want 2m from file", cfg.Host.HeartbeatTimeout)
	}
	if cfg.Relay.SendQueueFrames != 128 {
		t.Errorf("SendQueueFrames = %d, want 128 from file", cfg.Relay.SendQueueFrames)
	}
	if cfg.Billing.PlatformFeeRate != 0.25 {
		t.Errorf("PlatformFeeRate = %v, want env override 0.25", cfg.Billing.PlatformFeeRate)
	}
}

func TestConfigFileUnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("bouquets: [tv]"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := FromEnv(); err == nil {
		t.Error("FromEnv() accepted unknown config file key")
	}
}

func TestConfigFileBadExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := FromEnv(); err == nil {
		t.Error("FromEnv() accepted non-YAML config file")
	}
}

func TestParseHelpers(t *testing.T) {
	t.Run("int invalid falls back", func(t *testing.T) {
		t.Setenv("NP_TEST_INT", "not-a-number")
		if got := ParseInt("NP_TEST_INT", 42); got != 42 {
			t.Errorf("ParseInt = %d, want fallback 42", got)
		}
	})
	t.Run("bool variants", func(t *testing.T) {
		for _, v := range []string{"true", "1", "yes", "YES"} {
			t.Setenv("NP_TEST_BOOL", v)
			if !ParseBool("NP_TEST_BOOL", false) {
				t.Errorf("ParseBool(%q) = false, want true", v)
			}
		}
		for _, v := range []string{"false", "0", "no"} {
			t.Setenv("NP_TEST_BOOL", v)
			if ParseBool("NP_TEST_BOOL", true) {
				t.Errorf("ParseBool(%q) = true, want false", v)
			}
		}
	})
	t.Run("millis negative rejected", func(t *testing.T) {
		t.Setenv("NP_TEST_MS", "-5")
		if got := ParseMillis("NP_TEST_MS", time.Second); got != time.Second {
			t.Errorf("ParseMillis = %v, want fallback 1s", got)
		}
	})
	t.Run("duration go format", func(t *testing.T) {
		t.Setenv("NP_TEST_DUR", "150ms")
		if got := ParseDuration("NP_TEST_DUR", time.Second); got != 150*time.Millisecond {
			t.Errorf("ParseDuration = %v, want 150ms", got)
		}
	})
	t.Run("empty env uses default", func(t *testing.T) {
		t.Setenv("NP_TEST_STR", "")
		if got := ParseString("NP_TEST_STR", "fallback"); got != "fallback" {
			t.Errorf("ParseString = %q, want fallback", got)
		}
	})
}
