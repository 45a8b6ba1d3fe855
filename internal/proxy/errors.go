// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package proxy

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/spawngate/internal/logging"
	"github.com/tomtom215/spawngate/internal/metrics"
)

// ErrorCode identifies a proxy-generated error on the wire. It is sent both
// as the JSON body "code" field and the X-Proxy-Error response header.
type ErrorCode string

// The proxy error taxonomy. Client-visible messages are generic; detail goes
// to the log with hostname and request_id.
const (
	CodeMissingHostHeader   ErrorCode = "MISSING_HOST_HEADER"
	CodeUnknownHost         ErrorCode = "UNKNOWN_HOST"
	CodeBackendShuttingDown ErrorCode = "BACKEND_SHUTTING_DOWN"
	CodeBackendUnhealthy    ErrorCode = "BACKEND_UNHEALTHY"
	CodeBackendStartFailed  ErrorCode = "BACKEND_START_FAILED"
	CodeRequestTimeout      ErrorCode = "REQUEST_TIMEOUT"
	CodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"
)

// HTTPStatus returns the HTTP status carried by this error code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeMissingHostHeader:
		return http.StatusBadRequest
	case CodeUnknownHost:
		return http.StatusNotFound
	case CodeBackendShuttingDown, CodeBackendUnhealthy, CodeBackendStartFailed:
		return http.StatusServiceUnavailable
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeConnectionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error wire format.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// writeError emits the JSON error response with the X-Proxy-Error header.
func writeError(w http.ResponseWriter, hostname string, code ErrorCode, message string) {
	status := code.HTTPStatus()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Proxy-Error", string(code))
	w.WriteHeader(status)

	body := errorBody{Code: string(code), Message: message, Status: status}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug().Err(err).Msg("writing error body failed")
	}

	if hostname == "" {
		hostname = "unknown"
	}
	metrics.RecordProxyError(hostname, string(code))
}

// rawErrorResponse renders the same JSON error as raw HTTP/1.1 bytes, for
// hijacked connections where the ResponseWriter is no longer usable.
func rawErrorResponse(code ErrorCode, message string) []byte {
	status := code.HTTPStatus()
	body, err := json.Marshal(errorBody{Code: string(code), Message: message, Status: status})
	if err != nil {
		body = []byte(`{}`)
	}
	head := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nX-Proxy-Error: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status), code, len(body))
	return append([]byte(head), body...)
}
