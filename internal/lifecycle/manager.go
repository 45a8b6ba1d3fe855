// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/logging"
	"github.com/tomtom215/spawngate/internal/metrics"
	"github.com/tomtom215/spawngate/internal/runtime"
)

// Stop reasons, used for logs and metrics labels.
const (
	stopReasonIdle      = "idle"
	stopReasonUnhealthy = "unhealthy"
	stopReasonShutdown  = "shutdown"
	stopReasonReload    = "reload"
)

// forceKillWait bounds the wait for a force-killed backend to be reaped.
const forceKillWait = 5 * time.Second

// RuntimeProvider resolves a backend config to the runtime that manages it.
// runtime.Factory is the production implementation; tests substitute stubs.
type RuntimeProvider interface {
	For(ctx context.Context, cfg *config.BackendConfig) (runtime.Runtime, error)
}

// Manager owns every backend handle and drives the lifecycle state machine:
// admission, spawning, startup health polling, continuous monitoring, idle
// shutdown, drain, and termination.
//
// Thread Safety: the host→handle map is guarded by its own RWMutex inside
// handleMap (read-mostly; writes only on config reload). Each handle carries
// its own state lock.
type Manager struct {
	handles  handleMap
	defaults defaultsPtr
	provider RuntimeProvider
	probe    *Probe
	adminURL string
}

// NewManager creates a manager with one handle per configured backend.
func NewManager(cfg *config.Config, provider RuntimeProvider, probe *Probe) *Manager {
	m := &Manager{
		provider: provider,
		probe:    probe,
		adminURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.AdminPort),
	}
	m.handles.init()
	defaults := cfg.Defaults
	m.defaults.Store(&defaults)

	for _, backend := range cfg.Backends {
		m.handles.put(newHandle(backend))
	}
	return m
}

// Lookup returns the handle for a hostname, or nil if the host is unknown.
func (m *Manager) Lookup(hostname string) *Handle {
	return m.handles.get(hostname)
}

// Defaults returns the current server-wide backend defaults.
func (m *Manager) Defaults() *config.BackendDefaults {
	return m.defaults.Load()
}

// Acquire is the single admission entry point. It drives the backend to
// Ready if necessary and returns an in-flight guard the caller must Release
// when the request completes. Admission and the in-flight increment are one
// critical section, so a Ready observation cannot be invalidated by a
// concurrent idle stop.
func (m *Manager) Acquire(ctx context.Context, hostname string) (*Guard, error) {
	h := m.Lookup(hostname)
	if h == nil {
		return nil, ErrUnknownHost
	}
	return m.acquire(ctx, h)
}

// AcquireHandle admits against an already-resolved handle. The proxy resolves
// once through the router and admits through this to avoid a second lookup.
func (m *Manager) AcquireHandle(ctx context.Context, h *Handle) (*Guard, error) {
	return m.acquire(ctx, h)
}

func (m *Manager) acquire(ctx context.Context, h *Handle) (*Guard, error) {
	defaults := m.defaults.Load()
	waits := 0
	sawUnhealthy := false

	for {
		h.mu.Lock()
		switch h.state {
		case StateReady:
			h.inFlight++
			h.touchLocked(time.Now())
			metrics.InFlightRequests.WithLabelValues(h.hostname).Set(float64(h.inFlight))
			h.mu.Unlock()
			return newGuard(h), nil

		case StateStopping:
			h.mu.Unlock()
			return nil, ErrShuttingDown

		case StateUnhealthy:
			h.mu.Unlock()
			sawUnhealthy = true
			m.teardownUnhealthy(h)

		case StateStarting:
			if waits >= 2 {
				h.mu.Unlock()
				return nil, ErrStartFailed
			}
			ch := h.readyCh
			remaining := h.cfg.Load().StartupTimeout(defaults) - time.Since(h.startedAt)
			h.mu.Unlock()
			if err := waitReady(ctx, ch, remaining); err != nil {
				return nil, err
			}
			waits++

		case StateStopped:
			if waits > 0 {
				// The Starting episode this admission waited on failed.
				lastErr := h.lastErr
				h.mu.Unlock()
				switch {
				case errors.Is(lastErr, ErrShuttingDown):
					return nil, ErrShuttingDown
				case sawUnhealthy:
					return nil, ErrUnhealthy
				default:
					return nil, ErrStartFailed
				}
			}
			cfg := h.cfg.Load()
			h.beginStartingLocked(time.Now())
			ch := h.readyCh
			h.mu.Unlock()

			go m.startTask(h)

			if err := waitReady(ctx, ch, cfg.StartupTimeout(defaults)); err != nil {
				return nil, err
			}
			waits++
		}
	}
}

// waitReady blocks on a ready-notify channel with a deadline. Wakes do not
// imply success; the caller re-checks state.
func waitReady(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		return ErrStartFailed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrStartFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startTask spawns the backend and runs startup health polling. It runs
// outside the state lock; only the final transition takes it.
func (m *Manager) startTask(h *Handle) {
	ctx := context.Background()
	cfg := h.cfg.Load()
	defaults := m.defaults.Load()

	rt, err := m.provider.For(ctx, cfg)
	if err != nil {
		metrics.BackendStartsTotal.WithLabelValues(h.hostname, "spawn_error").Inc()
		logging.Error().Err(err).Str("hostname", h.hostname).Msg("no runtime for backend")
		m.failStart(h, fmt.Errorf("%w: %v", ErrStartFailed, err))
		return
	}

	spec := runtime.StartSpec{
		Hostname: h.hostname,
		Config:   cfg,
		ReadyURL: fmt.Sprintf("%s/ready/%s", m.adminURL, h.hostname),
	}
	handle, err := rt.Start(ctx, spec)
	if err != nil {
		metrics.BackendStartsTotal.WithLabelValues(h.hostname, "spawn_error").Inc()
		logging.Error().Err(err).Str("hostname", h.hostname).Msg("backend spawn failed")
		m.failStart(h, fmt.Errorf("%w: %v", ErrStartFailed, err))
		return
	}

	h.mu.Lock()
	if h.state != StateStarting {
		h.mu.Unlock()
		// A stop raced the spawn; tear the fresh runtime back down.
		m.terminate(h.hostname, handle, cfg.ShutdownGrace(defaults))
		return
	}
	h.rt = handle
	h.mu.Unlock()

	m.pollStartup(h, cfg, defaults)
}

// pollStartup probes the health endpoint until the backend is ready, the
// ready callback wins the race, or the startup timeout elapses.
func (m *Manager) pollStartup(h *Handle, cfg *config.BackendConfig, defaults *config.BackendDefaults) {
	interval := cfg.HealthCheckInterval(defaults)
	timeout := cfg.StartupTimeout(defaults)
	path := cfg.HealthPath(defaults)

	h.mu.Lock()
	deadline := h.startedAt.Add(timeout)
	h.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.mu.Lock()
		state := h.state
		h.mu.Unlock()
		if state != StateStarting {
			// Ready callback or an external stop already ended the episode.
			return
		}

		if time.Now().After(deadline) {
			metrics.BackendStartsTotal.WithLabelValues(h.hostname, "timeout").Inc()
			logging.Error().Str("hostname", h.hostname).Dur("timeout", timeout).
				Msg("backend startup timeout exceeded")
			m.failStart(h, fmt.Errorf("%w: not healthy within %s", ErrStartFailed, timeout))
			return
		}

		if m.probe.Check(context.Background(), h.hostname, cfg.Port, path) {
			if m.markReady(h) {
				metrics.BackendStartsTotal.WithLabelValues(h.hostname, "ok").Inc()
			}
			return
		}

		<-ticker.C
	}
}

// failStart ends a Starting episode in failure: the runtime is terminated,
// the handle returns to Stopped, and waiters are woken to observe the error.
func (m *Manager) failStart(h *Handle, cause error) {
	h.mu.Lock()
	if h.state != StateStarting {
		h.mu.Unlock()
		return
	}
	rt := h.rt
	h.rt = nil
	h.lastErr = cause
	h.setStateLocked(StateStopped)
	h.fireReadyLocked()
	h.mu.Unlock()

	if rt != nil {
		m.terminate(h.hostname, rt, h.cfg.Load().ShutdownGrace(m.defaults.Load()))
	}
}

// markReady transitions Starting → Ready, fires the ready notification, and
// launches the monitor and idle watchers. Returns false if the backend is no
// longer Starting or the runtime is not yet attached (a callback can only
// short-circuit polling once the spawn has completed).
func (m *Manager) markReady(h *Handle) bool {
	h.mu.Lock()
	if h.state != StateStarting || h.rt == nil {
		h.mu.Unlock()
		return false
	}
	h.setStateLocked(StateReady)
	h.touchLocked(time.Now())
	h.failures = 0
	h.fireReadyLocked()
	h.mu.Unlock()

	logging.Info().Str("hostname", h.hostname).Msg("backend is ready")

	go m.monitorTask(h)
	go m.idleTask(h)
	return true
}

// MarkReady delivers a ready callback for a hostname, waking any Starting
// pollers so the backend transitions without waiting for the next probe
// tick. Returns true if the callback caused the transition.
func (m *Manager) MarkReady(hostname string) bool {
	h := m.Lookup(hostname)
	if h == nil {
		return false
	}
	if m.markReady(h) {
		logging.Info().Str("hostname", hostname).Msg("backend ready via callback")
		return true
	}
	return false
}

// monitorTask runs continuous health checks while the backend is Ready.
// Crossing the failure threshold tears the backend down; the next admission
// drives a fresh spawn.
func (m *Manager) monitorTask(h *Handle) {
	cfg := h.cfg.Load()
	defaults := m.defaults.Load()
	interval := cfg.ReadyHealthInterval(defaults)
	threshold := cfg.UnhealthyThreshold(defaults)
	path := cfg.HealthPath(defaults)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		h.mu.Lock()
		state := h.state
		h.mu.Unlock()

		switch state {
		case StateReady:
		case StateUnhealthy:
			m.teardownUnhealthy(h)
			return
		default:
			return
		}

		if m.probe.Check(context.Background(), h.hostname, cfg.Port, path) {
			h.mu.Lock()
			if h.state == StateReady {
				h.failures = 0
				h.touchLocked(time.Now())
			}
			h.mu.Unlock()
			continue
		}

		h.mu.Lock()
		if h.state != StateReady {
			h.mu.Unlock()
			return
		}
		h.failures++
		failures := h.failures
		crossed := failures >= threshold
		if crossed {
			h.setStateLocked(StateUnhealthy)
		}
		h.mu.Unlock()

		if crossed {
			logging.Warn().Str("hostname", h.hostname).Int("failures", failures).
				Msg("backend unhealthy after consecutive probe failures")
			m.teardownUnhealthy(h)
			return
		}
	}
}

// teardownUnhealthy transitions Unhealthy → Stopped, terminating the
// runtime. Safe to race between the monitor and an admitting request; the
// first caller to observe Unhealthy under the lock wins.
func (m *Manager) teardownUnhealthy(h *Handle) {
	h.mu.Lock()
	if h.state != StateUnhealthy {
		h.mu.Unlock()
		return
	}
	rt := h.rt
	h.rt = nil
	h.setStateLocked(StateStopped)
	h.fireReadyLocked()
	h.mu.Unlock()

	metrics.BackendStopsTotal.WithLabelValues(h.hostname, stopReasonUnhealthy).Inc()
	if rt != nil {
		m.terminate(h.hostname, rt, h.cfg.Load().ShutdownGrace(m.defaults.Load()))
	}
}

// idleTask watches for the idle window to elapse with no in-flight work.
func (m *Manager) idleTask(h *Handle) {
	cfg := h.cfg.Load()
	defaults := m.defaults.Load()
	idleTimeout := cfg.IdleTimeout(defaults)

	// Check at a fraction of the window so short timeouts stay responsive.
	interval := idleTimeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		h.mu.Lock()
		if h.state != StateReady {
			h.mu.Unlock()
			return
		}
		idle := time.Since(h.lastActivity) >= idleTimeout && h.inFlight == 0
		h.mu.Unlock()

		if idle {
			logging.Info().Str("hostname", h.hostname).Dur("idle_timeout", idleTimeout).
				Msg("backend idle timeout reached")
			m.stop(h, stopReasonIdle)
			return
		}
	}
}

// stop performs graceful termination: mark Stopping, drain in-flight work
// bounded by the drain timeout, terminate politely, force kill on grace
// expiry, and settle in Stopped.
func (m *Manager) stop(h *Handle, reason string) {
	cfg := h.cfg.Load()
	defaults := m.defaults.Load()
	drain := cfg.DrainTimeout(defaults)
	grace := cfg.ShutdownGrace(defaults)

	h.mu.Lock()
	if h.state == StateStopping || h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	// Tie-break with admission: an idle stop re-reads under the lock and
	// aborts if a request was admitted or activity refreshed meanwhile.
	if reason == stopReasonIdle {
		if h.inFlight > 0 || time.Since(h.lastActivity) < cfg.IdleTimeout(defaults) {
			h.mu.Unlock()
			return
		}
	}
	deadline := time.Now().Add(drain)
	h.setStateLocked(StateStopping)
	h.stopDeadline = deadline
	drainCh := make(chan struct{}, 1)
	h.drainCh = drainCh
	pending := h.inFlight
	h.mu.Unlock()

	logging.Info().Str("hostname", h.hostname).Str("reason", reason).
		Int("in_flight", pending).Msg("stopping backend")

	if pending > 0 {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-drainCh:
		case <-timer.C:
			logging.Warn().Str("hostname", h.hostname).Int("in_flight", h.InFlight()).
				Msg("drain timeout exceeded, terminating with requests in flight")
		}
		timer.Stop()
	}

	h.mu.Lock()
	rt := h.rt
	h.rt = nil
	h.mu.Unlock()

	if rt != nil {
		m.terminate(h.hostname, rt, grace)
	}

	h.mu.Lock()
	h.lastErr = ErrShuttingDown
	h.setStateLocked(StateStopped)
	h.fireReadyLocked() // a pending Starting episode ends in failure
	h.drainCh = nil
	h.mu.Unlock()

	metrics.BackendStopsTotal.WithLabelValues(h.hostname, reason).Inc()
	logging.Info().Str("hostname", h.hostname).Str("reason", reason).Msg("backend stopped")
}

// terminate delivers polite termination, waits out the grace window, and
// force kills if the backend is still alive. Close always runs, dropping the
// runtime handle exactly once.
func (m *Manager) terminate(hostname string, rt runtime.Handle, grace time.Duration) {
	ctx := context.Background()

	if err := rt.TerminateGraceful(ctx); err != nil {
		logging.Warn().Err(err).Str("hostname", hostname).Msg("graceful termination failed")
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	err := rt.Wait(waitCtx)
	cancel()

	if err != nil {
		logging.Warn().Str("hostname", hostname).Dur("grace", grace).
			Msg("grace period exceeded, force killing backend")
		if err := rt.TerminateForce(ctx); err != nil {
			logging.Error().Err(err).Str("hostname", hostname).Msg("force kill failed")
		}
		killCtx, cancelKill := context.WithTimeout(ctx, forceKillWait)
		_ = rt.Wait(killCtx)
		cancelKill()
	}

	rt.Close()
}

// Shutdown drains and stops every backend concurrently. Called on SIGINT and
// SIGTERM after the listener stops accepting.
func (m *Manager) Shutdown(ctx context.Context) error {
	group, _ := errgroup.WithContext(ctx)
	for _, h := range m.handles.all() {
		group.Go(func() error {
			m.stop(h, stopReasonShutdown)
			return nil
		})
	}
	return group.Wait()
}

// BackendStatus is one row of the status listing served by the admin API.
type BackendStatus struct {
	Hostname string `json:"hostname"`
	State    string `json:"state"`
	Port     int    `json:"port"`
	InFlight int    `json:"in_flight"`
}

// Status lists every backend with its current state, sorted by hostname.
func (m *Manager) Status() []BackendStatus {
	handles := m.handles.all()
	statuses := make([]BackendStatus, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		statuses = append(statuses, BackendStatus{
			Hostname: h.hostname,
			State:    h.state.String(),
			Port:     h.cfg.Load().Port,
			InFlight: h.inFlight,
		})
		h.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Hostname < statuses[j].Hostname })
	return statuses
}

// ReloadResult summarizes a config reload diff.
type ReloadResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
}

// ApplyConfig diffs a freshly loaded config against the current backend set:
// added hosts get new handles, removed hosts drain and stop before their
// handles drop, and changed hosts swap their config snapshot (taking effect
// on the next Starting transition). Running backends are never mutated.
func (m *Manager) ApplyConfig(cfg *config.Config) ReloadResult {
	defaults := cfg.Defaults
	m.defaults.Store(&defaults)

	next := make(map[string]config.BackendConfig, len(cfg.Backends))
	for _, backend := range cfg.Backends {
		next[backend.Hostname] = backend
	}

	var result ReloadResult
	removed := m.handles.diff(next, &result)

	for _, h := range removed {
		go func(h *Handle) {
			m.stop(h, stopReasonReload)
			metrics.RemoveBackend(h.hostname)
		}(h)
	}

	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Updated)

	logging.Info().Int("added", len(result.Added)).Int("removed", len(result.Removed)).
		Int("updated", len(result.Updated)).Msg("configuration reloaded")
	return result
}
