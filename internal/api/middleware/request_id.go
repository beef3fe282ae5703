// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nuvemplay/core/internal/log"
)

// HeaderRequestID carries the correlation ID on requests and responses.
const HeaderRequestID = "X-Request-ID"

// RequestID adds a unique ID to every request. An inbound ID from a
// trusted gateway is kept; otherwise a fresh UUID is minted. The ID is
// echoed on the response and stored in the request context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
