// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package admin

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/lifecycle"
	"github.com/tomtom215/spawngate/internal/runtime"
)

type stubRuntime struct{}

func (stubRuntime) For(context.Context, *config.BackendConfig) (runtime.Runtime, error) {
	return stubRuntime{}, nil
}

func (stubRuntime) Start(context.Context, runtime.StartSpec) (runtime.Handle, error) {
	return &stubHandle{done: make(chan struct{})}, nil
}

type stubHandle struct{ done chan struct{} }

func (h *stubHandle) ID() string { return "stub" }
func (h *stubHandle) TerminateGraceful(context.Context) error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}
func (h *stubHandle) TerminateForce(ctx context.Context) error { return h.TerminateGraceful(ctx) }
func (h *stubHandle) IsAlive(context.Context) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
func (h *stubHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (h *stubHandle) Close() {}

type adminEnv struct {
	manager *lifecycle.Manager
	srv     *httptest.Server
	health  atomic.Int32
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	env := &adminEnv{}
	env.health.Store(http.StatusInternalServerError) // probes fail; callback is the only path to Ready

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(env.health.Load()))
	}))
	t.Cleanup(backend.Close)
	port := backend.Listener.Addr().(*net.TCPAddr).Port

	cfg := &config.Config{
		Server: config.ServerConfig{
			Bind:               "127.0.0.1",
			Port:               8080,
			AdminPort:          0,
			AdminToken:         "secret",
			PoolMaxIdlePerHost: 4,
			PoolIdleTimeout:    30 * time.Second,
		},
		Defaults: config.BackendDefaults{
			IdleTimeout:         time.Hour,
			StartupTimeout:      5 * time.Second,
			HealthCheckInterval: 20 * time.Millisecond,
			ReadyHealthInterval: time.Hour,
			ShutdownGrace:       time.Second,
			DrainTimeout:        time.Second,
			RequestTimeout:      time.Second,
			HealthPath:          "/health",
			UnhealthyThreshold:  3,
		},
		Backends: map[string]config.BackendConfig{
			"api.local": {
				Hostname: "api.local",
				Kind:     config.KindLocal,
				Command:  "stub",
				Port:     port,
			},
		},
	}

	env.manager = lifecycle.NewManager(cfg, stubRuntime{}, lifecycle.NewProbe(http.DefaultTransport))
	server := NewServer(cfg.Server, env.manager)
	env.srv = httptest.NewServer(server.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *adminEnv) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	env := newAdminEnv(t)

	resp := env.do(t, http.MethodGet, "/healthz", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics_NoAuthRequired(t *testing.T) {
	env := newAdminEnv(t)

	resp := env.do(t, http.MethodGet, "/metrics", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_RequiresToken(t *testing.T) {
	env := newAdminEnv(t)

	resp := env.do(t, http.MethodPost, "/ready/api.local", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/ready/api.local", "wrong")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReady_UnknownHostname(t *testing.T) {
	env := newAdminEnv(t)

	resp := env.do(t, http.MethodPost, "/ready/nope.local", "secret")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReady_ConflictWhenNotStarting(t *testing.T) {
	env := newAdminEnv(t)

	resp := env.do(t, http.MethodPost, "/ready/api.local", "secret")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReady_WakesStartingBackend(t *testing.T) {
	env := newAdminEnv(t)

	acquired := make(chan error, 1)
	go func() {
		guard, err := env.manager.Acquire(context.Background(), "api.local")
		if err == nil {
			guard.Release()
		}
		acquired <- err
	}()

	h := env.manager.Lookup("api.local")
	require.Eventually(t, func() bool { return h.State() == lifecycle.StateStarting },
		2*time.Second, 5*time.Millisecond)

	// The callback may race the spawn attach; retry like a backend would.
	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodPost, "/ready/api.local", "secret")
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, <-acquired)
	assert.Equal(t, lifecycle.StateReady, h.State())
}

func TestStatus_ListsBackends(t *testing.T) {
	env := newAdminEnv(t)

	resp := env.do(t, http.MethodGet, "/status", "secret")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Backends []lifecycle.BackendStatus `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Backends, 1)
	assert.Equal(t, "api.local", body.Backends[0].Hostname)
	assert.Equal(t, "stopped", body.Backends[0].State)
	assert.Equal(t, 0, body.Backends[0].InFlight)
}

func TestStatus_RequiresToken(t *testing.T) {
	env := newAdminEnv(t)

	resp := env.do(t, http.MethodGet, "/status", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
