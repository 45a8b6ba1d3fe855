// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package lifecycle

import "errors"

// Admission errors returned by Acquire. The proxy maps them onto the wire
// error taxonomy.
var (
	// ErrUnknownHost means no backend is configured for the hostname.
	ErrUnknownHost = errors.New("unknown backend hostname")

	// ErrShuttingDown means admission was attempted while the backend is
	// draining or the proxy is shutting down.
	ErrShuttingDown = errors.New("backend is shutting down")

	// ErrStartFailed means the backend could not be spawned or did not
	// become healthy within the startup timeout.
	ErrStartFailed = errors.New("backend failed to start")

	// ErrUnhealthy means the restart path failed while a request waited.
	ErrUnhealthy = errors.New("backend is unhealthy")
)
