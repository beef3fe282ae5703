// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/config"
)

// Deps contains dependencies required by the daemon Manager.
// This allows for clean dependency injection and easier testing.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// Config is the resolved daemon configuration
	Config *config.AppConfig

	// APIHandler serves the public surface: marketplace API plus the
	// websocket relay
	APIHandler http.Handler

	// MetricsHandler, when set together with Config.MetricsAddr, serves the
	// operational surface (Prometheus metrics, verbose health, readiness) on
	// a separate listener that is never exposed publicly
	MetricsHandler http.Handler
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Config == nil {
		return ErrMissingConfig
	}
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	return nil
}
