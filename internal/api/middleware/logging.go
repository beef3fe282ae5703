// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"time"

	"github.com/nuvemplay/core/internal/log"
)

// Logging returns an access-log middleware. One line per request at
// debug for 2xx/3xx and warn for 5xx, carrying the request ID from the
// context so log lines correlate with error envelopes.
func Logging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lw := &loggingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(lw, r)

			logger := log.WithComponentFromContext(r.Context(), "http")
			evt := logger.Debug()
			if lw.statusCode >= 500 {
				evt = logger.Warn()
			}
			evt = evt.
				Str("event", "http.request").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", lw.statusCode).
				Dur("duration", time.Since(start))
			if traceID, _ := TraceContext(r); traceID != "" {
				evt = evt.Str("trace_id", traceID)
			}
			evt.Msg("request served")
		})
	}
}

type loggingWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (lw *loggingWriter) WriteHeader(statusCode int) {
	if !lw.written {
		lw.statusCode = statusCode
		lw.written = true
	}
	lw.ResponseWriter.WriteHeader(statusCode)
}

func (lw *loggingWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.WriteHeader(http.StatusOK)
	}
	return lw.ResponseWriter.Write(b)
}
