// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

// Package admin serves the loopback control surface: the authenticated ready
// callback that short-circuits startup health polling, the backend status
// listing, liveness, and Prometheus metrics.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/lifecycle"
	"github.com/tomtom215/spawngate/internal/logging"
	"github.com/tomtom215/spawngate/internal/middleware"
)

// shutdownTimeout bounds the admin server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Server is the admin API server. Backends call POST /ready/{hostname} (with
// the bearer token from their environment) to signal readiness without
// waiting for the next probe tick.
type Server struct {
	manager *lifecycle.Manager
	token   string
	httpSrv *http.Server
}

// NewServer creates the admin server bound to the configured admin port on
// 127.0.0.1.
func NewServer(cfg config.ServerConfig, manager *lifecycle.Manager) *Server {
	s := &Server{
		manager: manager,
		token:   cfg.AdminToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/ready/{hostname}", s.handleReady)
		r.Get("/status", s.handleStatus)
	})

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.AdminPort),
		Handler: r,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.httpSrv.Addr, err)
	}

	logging.Info().Str("addr", s.httpSrv.Addr).Msg("admin API listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(listener) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ctx.Err()
}

// requireToken enforces the bearer token on mutating and status routes.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			logging.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).
				Msg("admin request rejected: bad token")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady delivers a ready callback. Unknown hostnames get 404; a
// callback that does not cause a transition (backend not Starting, or the
// spawn has not attached yet) gets 409 so the backend can retry.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	hostname := strings.ToLower(chi.URLParam(r, "hostname"))

	if s.manager.Lookup(hostname) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown hostname"})
		return
	}

	if !s.manager.MarkReady(hostname) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "backend not starting"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "hostname": hostname})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backends": s.manager.Status()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug().Err(err).Msg("writing admin response failed")
	}
}
