// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

// Package main is the entry point for the Spawngate proxy.
//
// Spawngate is a reverse HTTP proxy that gives arbitrary backend
// applications serverless semantics: a backend (local process or Docker
// container) is started on demand when the first request for its hostname
// arrives, kept alive while traffic flows, and torn down after a
// configurable idle window. Routing is by Host header; each configured host
// maps to one managed backend.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layering (defaults → YAML file → SPAWNGATE_*
//     environment variables)
//  2. Logging: global zerolog logger
//  3. Transport: one pooled outbound HTTP client shared by proxied requests
//     and health probes
//  4. Lifecycle Manager: one handle per configured backend
//  5. Proxy + Admin servers under a Suture supervision tree
//
// # Configuration
//
// Configuration is read from spawngate.yaml (or SPAWNGATE_CONFIG):
//
//	server:
//	  bind: 0.0.0.0
//	  port: 8080
//	  admin_port: 9999
//	  admin_token: change-me
//	backends:
//	  api.example.com:
//	    kind: local
//	    command: ./api-server
//	    port: 13000
//	    idle_timeout: 5m
//	  web.example.com:
//	    kind: docker
//	    image: ghcr.io/acme/web:latest
//	    port: 13001
//	    memory: 512m
//
// # Signal Handling
//
//   - SIGINT / SIGTERM: graceful shutdown. The listener stops accepting,
//     in-flight requests run to completion bounded by the drain timeout, and
//     every backend is terminated (SIGTERM, then SIGKILL after the grace
//     window).
//   - SIGHUP: config reload. Backends are diffed by hostname: new hosts are
//     added, removed hosts drain and stop, changed hosts pick up the new
//     snapshot on their next start.
//
// # Backend Contract
//
// Spawned backends receive PORT (the loopback port to listen on) and
// SERVERLESS_PROXY_READY_URL (an admin endpoint to POST once ready, which
// short-circuits startup health polling; authenticate with the admin token
// as a bearer token). Absent a callback, readiness is detected by polling
// the health path until it returns 2xx.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/spawngate/internal/admin"
	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/lifecycle"
	"github.com/tomtom215/spawngate/internal/logging"
	"github.com/tomtom215/spawngate/internal/proxy"
	"github.com/tomtom215/spawngate/internal/runtime"
	"github.com/tomtom215/spawngate/internal/supervisor"
)

// shutdownTimeout bounds the post-listener backend teardown.
const shutdownTimeout = 90 * time.Second

func main() {
	configPath := config.ResolvePath()
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("loading configuration failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().Int("backends", len(cfg.Backends)).Str("config", configPath).
		Msg("spawngate starting")

	transport := proxy.NewTransport(cfg.Server)
	manager := lifecycle.NewManager(cfg, runtime.NewFactory(), lifecycle.NewProbe(transport))

	proxySrv := proxy.NewServer(cfg.Server, manager, transport)
	adminSrv := admin.NewServer(cfg.Server, manager)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddProxyService(proxySrv)
	tree.AddAdminService(adminSrv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	treeDone := make(chan error, 1)
	go func() { treeDone <- tree.Serve(ctx) }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reload(manager, configPath)
				continue
			}
			logging.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()

			// The proxy layer drains in-flight requests before this returns,
			// unless the drain outlasts the supervisor's shutdown timeout.
			if err := <-treeDone; err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("supervisor tree exited with error")
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := manager.Shutdown(stopCtx); err != nil {
				logging.Error().Err(err).Msg("backend shutdown failed")
			}
			stopCancel()

			logging.Info().Msg("spawngate stopped")
			return

		case err := <-treeDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.Fatal().Err(err).Msg("supervisor tree exited unexpectedly")
			}
			return
		}
	}
}

// reload re-reads the config file and applies the backend diff. Server-level
// settings (ports, bind address, pool sizing) require a restart.
func reload(manager *lifecycle.Manager, configPath string) {
	logging.Info().Str("config", configPath).Msg("reloading configuration")

	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		logging.Error().Err(err).Msg("config reload failed, keeping current configuration")
		return
	}

	result := manager.ApplyConfig(cfg)
	logging.Info().Strs("added", result.Added).Strs("removed", result.Removed).
		Strs("updated", result.Updated).Msg("configuration applied")
}
