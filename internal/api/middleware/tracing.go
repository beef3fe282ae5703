// SPDX-License-Identifier: MIT

// Package middleware provides the HTTP ingress middleware stack for the
// API server.
package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps the handler with OpenTelemetry HTTP instrumentation.
// Incoming W3C trace context is continued automatically, so spans line up
// with whatever gateway or client started the trace.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithFilter(shouldTrace),
			otelhttp.WithSpanNameFormatter(spanName),
		)
	}
}

// shouldTrace filters probe endpoints out of the trace stream. Liveness
// and readiness polls fire every few seconds and would drown real traffic.
func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/healthz", "/readyz", "/metrics":
		return false
	}
	return true
}

// spanName builds "METHOD /path" span names. Query values are elided so
// stream tokens never end up in span metadata.
func spanName(operation string, r *http.Request) string {
	name := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		name += "?"
	}
	return name
}

// TraceContext extracts trace_id and span_id from the request context,
// empty when no span is recording.
func TraceContext(r *http.Request) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(r.Context())
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
