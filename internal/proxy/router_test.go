// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveHost(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   error
	}{
		{"plain", "api.local", "api.local", nil},
		{"uppercase lowered", "API.LOCAL", "api.local", nil},
		{"mixed case", "Api.Example.Com", "api.example.com", nil},
		{"port stripped", "api.local:8080", "api.local", nil},
		{"port and case", "API.local:443", "api.local", nil},
		{"hyphenated", "my-app.example.com", "my-app.example.com", nil},
		{"empty", "", "", ErrMissingHost},
		{"only port", ":8080", "", ErrMissingHost},
		{"underscore", "bad_host.local", "", ErrInvalidHost},
		{"space", "bad host", "", ErrInvalidHost},
		{"non-ascii", "caf\xc3\xa9.local", "", ErrInvalidHost},
		{"too long", strings.Repeat("a", 254), "", ErrInvalidHost},
		{"max length ok", strings.Repeat("a", 253), strings.Repeat("a", 253), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveHost(tt.input)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
