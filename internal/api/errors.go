// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/telemetry"
)

// maxBodyBytes caps request bodies. The largest legitimate payload is a
// PC registration; 64 KiB leaves generous headroom.
const maxBodyBytes = 64 << 10

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorEnvelope is the wire shape of every failure: {"error":{code,message}}.
// Codes come verbatim from the domain error taxonomy.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates any error into the response envelope. Unknown
// errors become INTERNAL_ERROR 500 with the cause logged, never leaked.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	de := domain.AsError(err)
	trace.SpanFromContext(r.Context()).SetAttributes(telemetry.ErrorAttributes(err, de.Code)...)
	if de.Status >= 500 {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, de.Status, errorEnvelope{Error: errorBody{Code: de.Code, Message: de.Message}})
}

// writeDomainError writes a typed error directly, for handlers that pick
// a sentinel without an underlying failure.
func writeDomainError(w http.ResponseWriter, de *domain.Error) {
	writeJSON(w, de.Status, errorEnvelope{Error: errorBody{Code: de.Code, Message: de.Message}})
}

// decodeJSON reads a JSON body into dst, rejecting unknown garbage with a
// VALIDATION_ERROR. An empty body decodes into the zero value so optional
// bodies stay optional.
func decodeJSON(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.Validationf("invalid JSON body: %v", err)
	}
	return nil
}
