// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validation errors.
var (
	ErrInvalidHostname = errors.New("invalid backend hostname")
	ErrMissingCommand  = errors.New("local backend requires a command")
	ErrMissingImage    = errors.New("docker backend requires an image")
	ErrDuplicatePort   = errors.New("backend port already in use by another backend")
)

// maxHostnameLen is the DNS limit for a full hostname.
const maxHostnameLen = 253

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints (via validator tags) and the
// cross-field rules tags cannot express: per-kind required fields, hostname
// shape, pull policy values, and port uniqueness across backends.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	seenPorts := make(map[int]string, len(cfg.Backends))
	for hostname, backend := range cfg.Backends {
		if !ValidHostname(backend.Hostname) {
			return fmt.Errorf("%w: %q", ErrInvalidHostname, hostname)
		}

		switch backend.Kind {
		case KindLocal:
			if backend.Command == "" {
				return fmt.Errorf("%w (backend %q)", ErrMissingCommand, hostname)
			}
		case KindDocker:
			if backend.Image == "" {
				return fmt.Errorf("%w (backend %q)", ErrMissingImage, hostname)
			}
			switch backend.PullPolicy {
			case PullAlways, PullNever, PullIfNotPresent:
			default:
				return fmt.Errorf("backend %q: unknown pull_policy %q", hostname, backend.PullPolicy)
			}
		}

		if prev, dup := seenPorts[backend.Port]; dup {
			return fmt.Errorf("%w: %d (%q and %q)", ErrDuplicatePort, backend.Port, prev, hostname)
		}
		seenPorts[backend.Port] = hostname
	}

	return nil
}

// ValidHostname reports whether s is a routable hostname: non-empty,
// lowercase, at most 253 bytes, containing only [a-z0-9.-].
func ValidHostname(s string) bool {
	if s == "" || len(s) > maxHostnameLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '.' || c == '-' {
			continue
		}
		return false
	}
	return true
}
