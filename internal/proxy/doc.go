// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

// Package proxy implements the client-facing forwarder: the HTTP/1.1 + h2c
// listener, Host-header routing, proxy header rewriting, the pooled backend
// transport, WebSocket tunneling, and the JSON error taxonomy.
//
// The data plane touches the lifecycle controller through a single seam:
// every request is admitted via Manager.AcquireHandle, which drives the
// backend to Ready and returns the in-flight guard released when the request
// (or tunnel) completes. The proxy never retries on behalf of clients; 502
// and 503 responses are the client's signal to retry.
package proxy
