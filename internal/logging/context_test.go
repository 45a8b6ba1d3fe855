// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	ctx = ContextWithRequestID(ctx, "abc123")
	if got := RequestIDFromContext(ctx); got != "abc123" {
		t.Errorf("expected 'abc123', got %q", got)
	}
}

func TestHostnameContext(t *testing.T) {
	ctx := context.Background()

	if got := HostnameFromContext(ctx); got != "" {
		t.Errorf("expected empty hostname, got %q", got)
	}

	ctx = ContextWithHostname(ctx, "api.local")
	if got := HostnameFromContext(ctx); got != "api.local" {
		t.Errorf("expected 'api.local', got %q", got)
	}
}

func TestContextWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	ctx := ContextWithLogger(context.Background(), logger)
	stored := LoggerFromContext(ctx)
	stored.Info().Msg("from context")

	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("expected message via context logger, got %q", buf.String())
	}
}

func TestLoggerFromContext_NoLogger(t *testing.T) {
	// Falls back to the global logger without panicking.
	logger := LoggerFromContext(context.Background())
	logger.Debug().Msg("fallback")
}

func TestCtx(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithHostname(ctx, "api.local")

	logger := Ctx(ctx)
	logger.Info().Msg("correlated")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) {
		t.Errorf("expected request_id field, got %q", out)
	}
	if !strings.Contains(out, `"hostname":"api.local"`) {
		t.Errorf("expected hostname field, got %q", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	logger := WithComponent("lifecycle")
	logger.Info().Msg("started")

	if !strings.Contains(buf.String(), `"component":"lifecycle"`) {
		t.Errorf("expected component field, got %q", buf.String())
	}
}
