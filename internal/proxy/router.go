// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package proxy

import (
	"errors"
	"strings"

	"github.com/tomtom215/spawngate/internal/config"
)

// Routing errors.
var (
	// ErrMissingHost means the Host header was absent or empty.
	ErrMissingHost = errors.New("missing host header")

	// ErrInvalidHost means the Host header failed validation (length or
	// character set). Surfaced to clients the same as a missing host.
	ErrInvalidHost = errors.New("invalid host header")
)

// ResolveHost normalizes and validates a Host header into a routing key:
// the port suffix is stripped, the name lowercased, and the result checked
// against the hostname grammar (≤253 bytes of [a-z0-9.-]). Matching against
// the routing table is exact; wildcards are not supported.
func ResolveHost(hostHeader string) (string, error) {
	if hostHeader == "" {
		return "", ErrMissingHost
	}

	host := hostHeader
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.ToLower(host)

	if host == "" {
		return "", ErrMissingHost
	}
	if !config.ValidHostname(host) {
		return "", ErrInvalidHost
	}
	return host, nil
}
