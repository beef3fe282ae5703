// SPDX-License-Identifier: MIT

package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig holds configuration for rate limiting middleware.
type RateLimitConfig struct {
	// RequestLimit is the maximum number of requests allowed in the window.
	RequestLimit int
	// WindowSize is the time window for rate limiting.
	WindowSize time.Duration
	// KeyFunc extracts the rate limit key from the request. Nil means
	// per-client-IP.
	KeyFunc func(r *http.Request) (string, error)
}

// RateLimit creates a rate limiting middleware on httprate's sliding
// window counter. Rejections carry the API error envelope and a
// Retry-After hint.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}

	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cfg.WindowSize.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			resp := `{"error":{"code":"RATE_LIMITED","message":"too many requests"}}`
			_, _ = w.Write([]byte(resp))
		}),
	)
}

// APIRateLimit returns the general per-IP limiter for API endpoints.
func APIRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{
		RequestLimit: requestsPerMinute,
		WindowSize:   time.Minute,
	})
}
