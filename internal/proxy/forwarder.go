// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/lifecycle"
	"github.com/tomtom215/spawngate/internal/logging"
	"github.com/tomtom215/spawngate/internal/metrics"
)

// maxConcurrentStreams caps streams per h2c connection.
const maxConcurrentStreams = 250

// backendDialTimeout bounds establishing a raw connection for upgrades.
const backendDialTimeout = 10 * time.Second

// NewTransport builds the shared outbound transport. There is one pool for
// the whole process: proxied requests and health probes reuse the same
// backend connections, keyed by 127.0.0.1:{port}.
func NewTransport(cfg config.ServerConfig) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   backendDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: cfg.PoolMaxIdlePerHost,
		IdleConnTimeout:     cfg.PoolIdleTimeout,
	}
}

// Server is the client-facing forwarder. It serves HTTP/1.1 and HTTP/2 with
// prior knowledge (h2c) on the configured bind address, resolves backends by
// Host header, admits requests through the lifecycle controller, and streams
// traffic to 127.0.0.1:{port}. WebSocket upgrades are tunneled as raw TCP.
type Server struct {
	cfg       config.ServerConfig
	manager   *lifecycle.Manager
	transport http.RoundTripper
	httpSrv   *http.Server

	// tunnelCtx hard-cancels WebSocket tunnels; shutdown cancels it only
	// after the drain timeout so established tunnels survive the drain.
	tunnelCtx    context.Context
	tunnelCancel context.CancelFunc
}

// NewServer creates the forwarder.
func NewServer(cfg config.ServerConfig, manager *lifecycle.Manager, transport http.RoundTripper) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		transport: transport,
	}
	s.tunnelCtx, s.tunnelCancel = context.WithCancel(context.Background())

	h2s := &http2.Server{MaxConcurrentStreams: maxConcurrentStreams}
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler: h2c.NewHandler(http.HandlerFunc(s.handleRequest), h2s),
	}
	return s
}

// Handler exposes the request handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Serve implements suture.Service: it listens until ctx is canceled, then
// stops accepting, lets in-flight requests finish within the drain timeout,
// and finally cancels any remaining WebSocket tunnels.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("proxy listen on %s: %w", s.httpSrv.Addr, err)
	}

	logging.Info().Str("addr", s.httpSrv.Addr).Msg("proxy listening (HTTP/1.1 and h2c)")

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(listener) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drain := s.manager.Defaults().DrainTimeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	logging.Info().Dur("drain_timeout", drain).Msg("proxy shutting down")
	err = s.httpSrv.Shutdown(shutdownCtx)

	// Tunnels are excluded from Shutdown's accounting (hijacked); cut them
	// loose now that the drain window has passed.
	s.tunnelCancel()

	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := ensureRequestID(r)
	w.Header().Set(headerRequestID, reqID)

	hostname, err := ResolveHost(r.Host)
	if err != nil {
		writeError(w, "", CodeMissingHostHeader, "missing or invalid Host header")
		return
	}

	ctx := logging.ContextWithRequestID(r.Context(), reqID)
	ctx = logging.ContextWithHostname(ctx, hostname)
	r = r.WithContext(ctx)

	h := s.manager.Lookup(hostname)
	if h == nil {
		writeError(w, hostname, CodeUnknownHost, "unknown or unconfigured host")
		return
	}

	guard, err := s.manager.AcquireHandle(ctx, h)
	if err != nil {
		s.writeAcquireError(w, r, hostname, err)
		return
	}

	if isWebSocketUpgrade(r) && r.ProtoMajor == 1 {
		// The guard is held for the whole tunnel lifetime.
		s.handleUpgrade(w, r, h, guard, reqID)
		return
	}

	defer guard.Release()
	s.forward(w, r, h, reqID, start)
}

// writeAcquireError maps admission errors onto the wire taxonomy.
func (s *Server) writeAcquireError(w http.ResponseWriter, r *http.Request, hostname string, err error) {
	log := logging.Ctx(r.Context())

	switch {
	case errors.Is(err, lifecycle.ErrUnknownHost):
		writeError(w, hostname, CodeUnknownHost, "unknown or unconfigured host")
	case errors.Is(err, lifecycle.ErrShuttingDown):
		writeError(w, hostname, CodeBackendShuttingDown, "backend is shutting down, retry later")
	case errors.Is(err, lifecycle.ErrUnhealthy):
		writeError(w, hostname, CodeBackendUnhealthy, "backend is unhealthy, restart in progress")
	case errors.Is(err, context.Canceled):
		// Client went away while waiting for the backend.
		log.Debug().Msg("client canceled during admission")
	default:
		log.Error().Err(err).Msg("backend failed to start")
		writeError(w, hostname, CodeBackendStartFailed, "backend unavailable")
	}
}

// forward proxies one plain HTTP exchange through the pooled transport,
// bounded end to end by the backend's request timeout.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, h *lifecycle.Handle, reqID string, start time.Time) {
	hostname := h.Hostname()
	log := logging.Ctx(r.Context())
	timeout := h.Config().RequestTimeout(s.manager.Defaults())

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	outReq.URL.Scheme = "http"
	outReq.URL.Host = fmt.Sprintf("127.0.0.1:%d", h.Port())
	outReq.Host = r.Host

	// Header rewrite completes before any byte reaches the backend.
	stripHopByHop(outReq.Header)
	rewriteProxyHeaders(outReq.Header, r.RemoteAddr, r.Host, reqID)

	resp, err := s.transport.RoundTrip(outReq)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			log.Warn().Dur("timeout", timeout).Msg("request timed out")
			writeError(w, hostname, CodeRequestTimeout, "request timed out")
		case r.Context().Err() != nil:
			log.Debug().Msg("client canceled during forward")
		default:
			log.Error().Err(err).Int("port", h.Port()).Msg("forwarding to backend failed")
			writeError(w, hostname, CodeConnectionFailed, "failed to connect to backend")
		}
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	header := w.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug().Err(err).Msg("response body copy aborted")
	}

	metrics.RecordRequest(hostname, resp.StatusCode, time.Since(start))
}
