// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

// Package supervisor provides Suture-based supervision for Spawngate's
// long-lived services: the proxy listener and the admin API. A crash in one
// layer restarts that service without tearing down the other.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns production-ready defaults matching suture's
// built-in values.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervisor hierarchy:
//
//	spawngate
//	├── proxy-layer  (forwarder listener)
//	└── admin-layer  (admin API)
//
// The layers isolate failures: an admin crash never interrupts traffic.
type Tree struct {
	root   *suture.Supervisor
	proxy  *suture.Supervisor
	admin  *suture.Supervisor
	config TreeConfig
}

// NewTree creates the supervisor tree. Events are logged through the given
// slog.Logger (bridge it from zerolog with logging.NewSlogLogger).
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("spawngate", rootSpec)
	proxy := suture.New("proxy-layer", childSpec)
	admin := suture.New("admin-layer", childSpec)

	root.Add(proxy)
	root.Add(admin)

	return &Tree{root: root, proxy: proxy, admin: admin, config: config}
}

// AddProxyService adds a service to the proxy layer.
func (t *Tree) AddProxyService(svc suture.Service) suture.ServiceToken {
	return t.proxy.Add(svc)
}

// AddAdminService adds a service to the admin layer.
func (t *Tree) AddAdminService(svc suture.Service) suture.ServiceToken {
	return t.admin.Add(svc)
}

// Serve runs the tree until ctx is canceled; it returns once every service
// has shut down or has used up its ShutdownTimeout, whichever comes first.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
