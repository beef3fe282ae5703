// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/log"
)

// Holder holds configuration with atomic reloading capability. It provides
// thread-safe access and supports hot reloading from file change or SIGHUP.
//
// Only a small subset of knobs takes effect without a restart: the log level
// and the relay limits. Everything else (listeners, database, timers) is
// fixed at boot; a reload still validates and swaps the full snapshot so a
// later restart picks it up consistently.
type Holder struct {
	mu      sync.RWMutex
	current *AppConfig

	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	reloadMu        sync.RWMutex
	reloadListeners []chan<- *AppConfig
}

// NewHolder creates a configuration holder with the initial snapshot.
// configPath may be empty when configuration is ENV-only.
func NewHolder(initial *AppConfig, configPath string) *Holder {
	return &Holder{
		current:         initial,
		configPath:      configPath,
		logger:          log.WithComponent("config"),
		reloadListeners: make([]chan<- *AppConfig, 0),
	}
}

// Get returns the current configuration snapshot (thread-safe read).
func (h *Holder) Get() *AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads environment and file, validates, and atomically swaps the
// snapshot. On validation failure the old configuration is kept and an error
// is returned, so a half-edited file never takes down a running daemon.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := FromEnv()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.applyHot(oldCfg, newCfg)
	h.notifyListeners(newCfg)

	h.logger.Info().
		Str("event", "config.reload_success").
		Msg("configuration reloaded successfully")
	return nil
}

// applyHot applies the hot-reloadable subset and logs every observed change.
func (h *Holder) applyHot(old, newCfg *AppConfig) {
	if old.Log.Level != newCfg.Log.Level {
		log.SetLevel(newCfg.Log.Level)
		h.logger.Info().
			Str("old", old.Log.Level).
			Str("new", newCfg.Log.Level).
			Msg("config changed: LogLevel")
	}
	if old.Relay.HostBytesPerSec != newCfg.Relay.HostBytesPerSec {
		h.logger.Info().
			Int("old", old.Relay.HostBytesPerSec).
			Int("new", newCfg.Relay.HostBytesPerSec).
			Msg("config changed: Relay.HostBytesPerSec")
	}
	if old.Relay.ClientMsgsPerSec != newCfg.Relay.ClientMsgsPerSec {
		h.logger.Info().
			Int("old", old.Relay.ClientMsgsPerSec).
			Int("new", newCfg.Relay.ClientMsgsPerSec).
			Msg("config changed: Relay.ClientMsgsPerSec")
	}
	if old.API.RateLimitRPM != newCfg.API.RateLimitRPM {
		h.logger.Info().
			Int("old", old.API.RateLimitRPM).
			Int("new", newCfg.API.RateLimitRPM).
			Msg("config changed: API.RateLimitRPM (applies on restart)")
	}
	if old.Port != newCfg.Port {
		h.logger.Warn().
			Int("old", old.Port).
			Int("new", newCfg.Port).
			Msg("config changed: Port (applies on restart)")
	}
}

// StartWatcher starts watching the config file for changes.
// If configPath is empty this is a no-op (config comes from ENV only).
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().
			Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", h.configPath).
		Msg("watching config file for changes")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Debounce to avoid multiple reloads for rapid editor write patterns.
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover vim, nano and plain echo-redirect edits.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.logger.Debug().
					Str("event", "config.file_changed").
					Str("op", event.Op.String()).
					Msg("config file changed")

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().
							Err(err).
							Str("event", "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().
				Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop stops the config watcher (if running).
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers a channel to receive config reload notifications.
// The channel receives the new snapshot whenever a reload succeeds. The caller
// owns the channel.
func (h *Holder) RegisterListener(ch chan<- *AppConfig) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, ch)
}

func (h *Holder) notifyListeners(newCfg *AppConfig) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()

	for _, ch := range h.reloadListeners {
		select {
		case ch <- newCfg:
		default:
			h.logger.Warn().
				Str("event", "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}
