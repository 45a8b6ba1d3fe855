// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tomtom215/spawngate/internal/logging"
)

// RequestID middleware reuses the inbound X-Request-ID of an admin request,
// or generates a UUID when there is none, and adds it to both the response
// header and the request context, so admin access correlates with proxy-side
// log lines.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
