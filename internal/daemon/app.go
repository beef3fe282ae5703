// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nuvemplay/core/internal/config"
	"github.com/nuvemplay/core/internal/heartbeat"
	"github.com/nuvemplay/core/internal/session"
)

// App owns the long-lived runtime lifecycle (config reload wiring, the
// lifecycle sweeper, the presence monitor) and delegates server management
// to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	holder       *config.Holder
	sweeper      *session.Sweeper
	monitor      *heartbeat.Monitor
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. holder, sweeper and monitor may be
// nil; the corresponding subsystem is then simply not run.
func NewApp(logger zerolog.Logger, manager Manager, holder *config.Holder, sweeper *session.Sweeper, monitor *heartbeat.Monitor) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		holder:       holder,
		sweeper:      sweeper,
		monitor:      monitor,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts all owned background subsystems and blocks until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: startup should not fail if watcher cannot be started.
	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
		}
	}

	// SIGHUP trigger for manual reload.
	if a.holder != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str("event", "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")

					if err := a.holder.Reload(context.Background()); err != nil {
						a.logger.Warn().
							Err(err).
							Str("event", "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	// Lifecycle sweeper: session expiry, promotion TTL, token pruning.
	if a.sweeper != nil {
		g.Go(func() error {
			a.sweeper.Run(ctx)
			return nil
		})
	}

	// Host presence monitor: cascades silent hosts.
	if a.monitor != nil {
		g.Go(func() error {
			a.monitor.Run(ctx)
			return nil
		})
	}

	// Main server lifecycle.
	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}
