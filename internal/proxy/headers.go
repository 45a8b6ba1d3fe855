// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package proxy

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Proxy-owned header names.
const (
	headerRequestID      = "X-Request-ID"
	headerForwardedFor   = "X-Forwarded-For"
	headerForwardedHost  = "X-Forwarded-Host"
	headerForwardedProto = "X-Forwarded-Proto"
)

// hopByHopHeaders are stripped per RFC 7230 §6.1 before forwarding, except
// on WebSocket upgrade requests where Connection/Upgrade must survive.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop headers, any header named by a Connection
// token, and all Proxy-* headers.
func stripHopByHop(h http.Header) {
	// Headers nominated by the Connection header are hop-by-hop too.
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "Proxy-") {
			h.Del(name)
		}
	}
}

// rewriteProxyHeaders overwrites the proxy-owned headers. Overwrite, never
// append: untrusted clients may inject X-Forwarded-* values, and this proxy
// is the first trusted hop.
func rewriteProxyHeaders(h http.Header, remoteAddr, originalHost, requestID string) {
	peer := remoteAddr
	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = ip
	}

	h.Set(headerForwardedFor, peer)
	h.Set(headerForwardedHost, originalHost)
	h.Set(headerForwardedProto, "http")
	h.Set(headerRequestID, requestID)
}

// ensureRequestID echoes a well-formed inbound X-Request-ID or generates a
// fresh 128-bit random id in lowercase hex.
func ensureRequestID(r *http.Request) string {
	if id := r.Header.Get(headerRequestID); wellFormedRequestID(id) {
		return id
	}
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// wellFormedRequestID accepts 1-128 bytes of [A-Za-z0-9-].
func wellFormedRequestID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return false
	}
	return true
}
