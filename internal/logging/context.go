// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// Context keys for logging.
type contextKey string

const (
	// requestIDKey is the context key for HTTP request IDs.
	requestIDKey contextKey = "request_id"

	// hostnameKey is the context key for the routed backend hostname.
	hostnameKey contextKey = "hostname"

	// loggerKey is the context key for storing a logger instance.
	loggerKey contextKey = "logger"
)

// ContextWithRequestID returns a new context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID from the context, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithHostname returns a new context carrying the routed backend hostname.
func ContextWithHostname(ctx context.Context, hostname string) context.Context {
	return context.WithValue(ctx, hostnameKey, hostname)
}

// HostnameFromContext returns the routed hostname from the context, or "" if absent.
func HostnameFromContext(ctx context.Context) string {
	if h, ok := ctx.Value(hostnameKey).(string); ok {
		return h
	}
	return ""
}

// ContextWithLogger stores a logger in the context.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the logger stored in the context, falling back
// to the global logger.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger enriched with the request ID and hostname carried by
// the context. Use this on the request path so every line correlates:
//
//	logging.Ctx(ctx).Warn().Msg("backend connection refused")
func Ctx(ctx context.Context) zerolog.Logger {
	logger := LoggerFromContext(ctx)
	lctx := logger.With()
	if id := RequestIDFromContext(ctx); id != "" {
		lctx = lctx.Str("request_id", id)
	}
	if h := HostnameFromContext(ctx); h != "" {
		lctx = lctx.Str("hostname", h)
	}
	return lctx.Logger()
}

// WithComponent returns a child logger tagged with a component name.
//
//	logger := logging.WithComponent("lifecycle")
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
