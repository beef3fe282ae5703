// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/config"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/presence"
)

// PerformStartupChecks validates the environment and dependencies before
// the daemon starts listening. Failing fast beats serving traffic against
// a database directory that cannot be written.
func PerformStartupChecks(ctx context.Context, cfg *config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkDBDir(logger, cfg.DB.Path); err != nil {
		return fmt.Errorf("database directory check failed: %w", err)
	}
	if err := checkListenAddrs(logger, cfg); err != nil {
		return fmt.Errorf("listener check failed: %w", err)
	}
	if err := checkPresence(logger, cfg.Presence); err != nil {
		return fmt.Errorf("presence backend check failed: %w", err)
	}
	if err := checkTracing(logger, cfg.Tracing); err != nil {
		return fmt.Errorf("tracing check failed: %w", err)
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

// checkDBDir ensures the SQLite file's directory exists and is writable.
func checkDBDir(logger zerolog.Logger, dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", dir).Msg("✓ Database directory is writable")
	return nil
}

func checkListenAddrs(logger zerolog.Logger, cfg *config.AppConfig) error {
	if err := checkHostPort(cfg.ListenAddr()); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr(), err)
	}
	logger.Info().Str("addr", cfg.ListenAddr()).Msg("✓ API listen address is valid")

	if cfg.MetricsAddr != "" {
		if err := checkHostPort(cfg.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", cfg.MetricsAddr, err)
		}
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("✓ Metrics listen address is valid")
	}
	return nil
}

func checkHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("port %q out of range", port)
	}
	return nil
}

func checkPresence(logger zerolog.Logger, cfg config.PresenceConfig) error {
	switch cfg.Backend {
	case "", presence.BackendMemory:
		logger.Info().Msg("✓ Presence backend: memory")
	case presence.BackendRedis:
		if cfg.RedisAddr == "" {
			return fmt.Errorf("redis backend requires REDIS_ADDR")
		}
		if err := checkHostPort(cfg.RedisAddr); err != nil {
			return fmt.Errorf("invalid redis address %q: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("✓ Presence backend: redis")
	case presence.BackendBadger:
		if cfg.BadgerPath == "" {
			return fmt.Errorf("badger backend requires PRESENCE_BADGER_PATH")
		}
		if err := os.MkdirAll(cfg.BadgerPath, 0750); err != nil {
			return fmt.Errorf("cannot create badger path %s: %w", cfg.BadgerPath, err)
		}
		logger.Info().Str("path", cfg.BadgerPath).Msg("✓ Presence backend: badger")
	default:
		return fmt.Errorf("unknown presence backend %q", cfg.Backend)
	}
	return nil
}

func checkTracing(logger zerolog.Logger, cfg config.TracingConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Exporter != "grpc" && cfg.Exporter != "http" {
		return fmt.Errorf("tracing exporter must be grpc or http, got %q", cfg.Exporter)
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("tracing requires TRACING_ENDPOINT")
	}
	logger.Info().Str("exporter", cfg.Exporter).Str("endpoint", cfg.Endpoint).Msg("✓ Tracing configuration is valid")
	return nil
}
