// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Caller {
		t.Error("expected caller disabled by default")
	}
	if !cfg.Timestamp {
		t.Error("expected timestamp enabled by default")
	}
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{
		Level:  "debug",
		Format: "json",
		Output: &buf,
	})
	defer Init(DefaultConfig())

	Info().Str("hostname", "api.local").Msg("backend ready")

	out := buf.String()
	if !strings.Contains(out, `"hostname":"api.local"`) {
		t.Errorf("expected structured hostname field, got %q", out)
	}
	if !strings.Contains(out, "backend ready") {
		t.Errorf("expected message, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"disabled", zerolog.Disabled},
		{"INFO", zerolog.InfoLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Debug().Msg("debug message")
	Info().Msg("info message")
	Warn().Msg("warn message")
	Error().Msg("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("below-threshold messages were emitted: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn and error messages, got %q", out)
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	child := With().Str("component", "proxy").Logger()
	child.Info().Msg("listening")

	if !strings.Contains(buf.String(), `"component":"proxy"`) {
		t.Errorf("expected component field, got %q", buf.String())
	}
}

func TestNewTestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)
	logger.Info().Str("key", "value").Msg("test")

	out := buf.String()
	if !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected key field, got %q", out)
	}
}

func TestSetLevelString(t *testing.T) {
	defer Init(DefaultConfig())

	SetLevelString("error")
	if GetLevel() != zerolog.ErrorLevel {
		t.Errorf("expected error level, got %v", GetLevel())
	}

	SetLevelString("debug")
	if GetLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %v", GetLevel())
	}
}

func TestIsLevelEnabled(t *testing.T) {
	defer Init(DefaultConfig())

	SetLevelString("warn")
	if IsLevelEnabled(zerolog.DebugLevel) {
		t.Error("debug should be disabled at warn level")
	}
	if !IsLevelEnabled(zerolog.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
}

func TestErr(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Err(errTest).Msg("operation failed")

	out := buf.String()
	if !strings.Contains(out, `"error":"test error"`) {
		t.Errorf("expected error field, got %q", out)
	}
}

type testError struct{}

func (e *testError) Error() string { return "test error" }

var errTest = &testError{}
