// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

// Package runtime provides the pluggable backend runtimes: local OS processes
// and Docker containers. The lifecycle controller consumes both through the
// Runtime and Handle interfaces and never touches processes or the Docker API
// directly.
//
// A Handle owns its log streaming: stdout is relayed at info level, stderr at
// warn level, both framed per newline and tagged with the backend hostname.
// Streaming starts when the backend starts and is detached by Close.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomtom215/spawngate/internal/config"
)

// ReadyURLEnvVar is the environment variable carrying the admin ready
// callback URL into the backend.
const ReadyURLEnvVar = "SERVERLESS_PROXY_READY_URL"

// StartSpec is the immutable input to a Runtime start.
type StartSpec struct {
	// Hostname tags logs and derives container names.
	Hostname string
	// Config is the backend's config snapshot for this start.
	Config *config.BackendConfig
	// ReadyURL is injected as SERVERLESS_PROXY_READY_URL.
	ReadyURL string
}

// Runtime starts backends of one kind.
type Runtime interface {
	// Start spawns the backend and attaches its log streams. The returned
	// Handle is live until Close.
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}

// Handle is a live reference to a running backend.
type Handle interface {
	// ID identifies the underlying process or container for logging.
	ID() string

	// TerminateGraceful initiates polite termination (SIGTERM to the
	// process group, or SIGTERM to the container's PID 1). It does not wait.
	TerminateGraceful(ctx context.Context) error

	// TerminateForce kills the backend outright.
	TerminateForce(ctx context.Context) error

	// IsAlive reports whether the backend is still running.
	IsAlive(ctx context.Context) bool

	// Wait blocks until the backend has exited or ctx is done.
	Wait(ctx context.Context) error

	// Close detaches log streaming and releases runtime resources. For
	// containers this also removes the container. Close is idempotent and
	// must be called exactly once per lifecycle transition to Stopped.
	Close()
}

// Factory resolves a backend kind to its Runtime. The Docker runtime is
// created lazily on first use so a proxy with only local backends never
// requires a Docker daemon.
type Factory struct {
	local *LocalRuntime

	mu     sync.Mutex
	docker *DockerRuntime
}

// NewFactory creates a runtime factory.
func NewFactory() *Factory {
	return &Factory{local: NewLocalRuntime()}
}

// For returns the Runtime for the given backend config. Concurrent start
// tasks may call this; the Docker client is initialized at most once.
func (f *Factory) For(ctx context.Context, cfg *config.BackendConfig) (Runtime, error) {
	switch cfg.Kind {
	case config.KindLocal:
		return f.local, nil
	case config.KindDocker:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.docker == nil {
			docker, err := NewDockerRuntime(ctx, cfg.DockerHost)
			if err != nil {
				return nil, err
			}
			f.docker = docker
		}
		return f.docker, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
