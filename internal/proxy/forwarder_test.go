// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/lifecycle"
	"github.com/tomtom215/spawngate/internal/runtime"
)

// nopRuntime satisfies the controller without spawning anything; the test
// "backend" is a pre-started httptest server on the configured port.
type nopRuntime struct{}

func (nopRuntime) For(context.Context, *config.BackendConfig) (runtime.Runtime, error) {
	return nopRuntime{}, nil
}

func (nopRuntime) Start(context.Context, runtime.StartSpec) (runtime.Handle, error) {
	return &nopHandle{done: make(chan struct{})}, nil
}

type nopHandle struct{ done chan struct{} }

func (h *nopHandle) ID() string { return "nop" }
func (h *nopHandle) TerminateGraceful(context.Context) error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}
func (h *nopHandle) TerminateForce(ctx context.Context) error { return h.TerminateGraceful(ctx) }
func (h *nopHandle) IsAlive(context.Context) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
func (h *nopHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (h *nopHandle) Close() {}

type proxyEnv struct {
	manager *lifecycle.Manager
	server  *Server
	front   *httptest.Server
	backend *httptest.Server
	health  atomic.Int32
}

// newProxyEnv wires a full proxy in front of a real HTTP backend. The
// backend also serves /health so the controller can drive it Ready.
func newProxyEnv(t *testing.T, backendHandler http.HandlerFunc, mutate func(*config.Config)) *proxyEnv {
	t.Helper()
	env := &proxyEnv{}
	env.health.Store(http.StatusOK)

	env.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(int(env.health.Load()))
			return
		}
		backendHandler(w, r)
	}))
	t.Cleanup(env.backend.Close)
	port := env.backend.Listener.Addr().(*net.TCPAddr).Port

	cfg := &config.Config{
		Server: config.ServerConfig{
			Bind:               "127.0.0.1",
			Port:               0,
			AdminPort:          9999,
			AdminToken:         "secret",
			PoolMaxIdlePerHost: 4,
			PoolIdleTimeout:    30 * time.Second,
		},
		Defaults: config.BackendDefaults{
			IdleTimeout:         time.Hour,
			StartupTimeout:      2 * time.Second,
			HealthCheckInterval: 20 * time.Millisecond,
			ReadyHealthInterval: time.Hour,
			ShutdownGrace:       time.Second,
			DrainTimeout:        2 * time.Second,
			RequestTimeout:      5 * time.Second,
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
	if mutate != nil {
		mutate(cfg)
	}

	transport := NewTransport(cfg.Server)
	env.manager = lifecycle.NewManager(cfg, nopRuntime{}, lifecycle.NewProbe(transport))
	env.server = NewServer(cfg.Server, env.manager, transport)
	env.front = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.front.Close)
	return env
}

func (env *proxyEnv) request(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.front.URL+path, body)
	require.NoError(t, err)
	req.Host = "api.local"
	resp, err := env.front.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestForward_BodyRoundTrip(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}, nil)

	payload := append([]byte("binary\x00payload\xff"), bytes.Repeat([]byte{0xAB}, 4096)...)
	resp := env.request(t, http.MethodPost, "/echo", bytes.NewReader(payload))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "body must round-trip byte-exact")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestForward_ProxyHeaders(t *testing.T) {
	var seen http.Header
	env := newProxyEnv(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}, nil)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "api.local"
	// Spoofed values must be overwritten, never appended.
	req.Header.Set("X-Forwarded-For", "6.6.6.6")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "evil.example")
	resp, err := env.front.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"127.0.0.1"}, seen.Values("X-Forwarded-For"))
	assert.Equal(t, []string{"api.local"}, seen.Values("X-Forwarded-Host"))
	assert.Equal(t, []string{"http"}, seen.Values("X-Forwarded-Proto"))
	assert.Len(t, seen.Values("X-Request-ID"), 1)
}

func TestForward_EchoesInboundRequestID(t *testing.T) {
	var seenID string
	env := newProxyEnv(t, func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	}, nil)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "api.local"
	req.Header.Set("X-Request-ID", "client-chosen-id-42")
	resp, err := env.front.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "client-chosen-id-42", seenID)
	assert.Equal(t, "client-chosen-id-42", resp.Header.Get("X-Request-ID"))
}

func TestForward_HopByHopNeverReachBackend(t *testing.T) {
	var seen http.Header
	env := newProxyEnv(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}, nil)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "api.local"
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Trailer", "Expires")
	resp, err := env.front.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	for _, name := range []string{"Proxy-Authorization", "Keep-Alive", "Trailer", "Upgrade"} {
		assert.Empty(t, seen.Get(name), "%s leaked to backend", name)
	}
}

func TestForward_MissingAndInvalidHost(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	for _, host := range []string{"", "bad_host.local", "bad host"} {
		req := httptest.NewRequest(http.MethodGet, "http://placeholder/", nil)
		req.Host = host
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "host %q", host)
		assert.Equal(t, "MISSING_HOST_HEADER", rec.Header().Get("X-Proxy-Error"))
	}
}

func TestForward_UnknownHost(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "other.local"
	resp, err := env.front.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_HOST", resp.Header.Get("X-Proxy-Error"))
}

func TestForward_UppercaseHostRoutes(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "API.LOCAL:8080"
	resp, err := env.front.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForward_RequestTimeout(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(600 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}, func(cfg *config.Config) {
		cfg.Defaults.RequestTimeout = 150 * time.Millisecond
	})

	resp := env.request(t, http.MethodGet, "/slow", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "REQUEST_TIMEOUT", resp.Header.Get("X-Proxy-Error"))
}

func TestForward_ConnectionFailed(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	// Drive the backend Ready, then pull it out from under the proxy. The
	// monitor interval is long, so the state stays Ready.
	resp := env.request(t, http.MethodGet, "/", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.backend.Close()

	resp = env.request(t, http.MethodGet, "/", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "CONNECTION_FAILED", resp.Header.Get("X-Proxy-Error"))
}

func TestForward_BackendStartFailed(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, func(cfg *config.Config) {
		cfg.Defaults.StartupTimeout = 200 * time.Millisecond
	})
	env.health.Store(http.StatusInternalServerError)

	resp := env.request(t, http.MethodGet, "/", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "BACKEND_START_FAILED", resp.Header.Get("X-Proxy-Error"))
}

func TestForward_ShuttingDownRejectsNewRequests(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	// Warm up and pin one request so shutdown drains.
	resp := env.request(t, http.MethodGet, "/", nil)
	resp.Body.Close()

	h := env.manager.Lookup("api.local")
	guard, err := env.manager.AcquireHandle(context.Background(), h)
	require.NoError(t, err)

	shutdownDone := make(chan struct{})
	go func() {
		_ = env.manager.Shutdown(context.Background())
		close(shutdownDone)
	}()

	require.Eventually(t, func() bool { return h.State() == lifecycle.StateStopping },
		2*time.Second, 5*time.Millisecond)

	resp = env.request(t, http.MethodGet, "/", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "BACKEND_SHUTTING_DOWN", resp.Header.Get("X-Proxy-Error"))

	guard.Release()
	<-shutdownDone
}

func TestForward_H2CPriorKnowledge(t *testing.T) {
	env := newProxyEnv(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}, nil)

	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}

	req, err := http.NewRequest(http.MethodPost, env.front.URL+"/echo", strings.NewReader("over h2c"))
	require.NoError(t, err)
	req.Host = "api.local"
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 2, resp.ProtoMajor, "expected HTTP/2 prior knowledge")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "over h2c", string(body))
}
