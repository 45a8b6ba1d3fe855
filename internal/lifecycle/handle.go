// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/metrics"
	"github.com/tomtom215/spawngate/internal/runtime"
)

// Handle is the long-lived per-hostname object holding a backend's config
// snapshot, state, counters, and coordination primitives. Handles are created
// when a backend enters the routing table and live until a config reload
// removes the host.
//
// Thread Safety: state, inFlight, lastActivity, failures, the
// runtime handle slot, and the ready channel are guarded by mu. The lock is
// held only across field reads/updates and channel closes, never across I/O.
type Handle struct {
	hostname string

	// cfg is the immutable config snapshot, swapped atomically on reload.
	// A running backend keeps its spawn-time behavior; the new snapshot is
	// read on the next Starting transition.
	cfg atomic.Pointer[config.BackendConfig]

	mu           sync.Mutex
	state        State
	startedAt    time.Time // Starting: spawn time, anchors the startup timeout
	stopDeadline time.Time // Stopping: drain deadline
	inFlight     int
	lastActivity time.Time
	failures     int // consecutive health probe failures while Ready

	// rt is the live runtime handle; non-nil iff state != Stopped, except
	// for the short window in Starting before the spawn returns and the
	// final phase of Stopping, when stop has taken it for termination.
	rt runtime.Handle

	// readyCh is created per Starting episode and closed exactly once when
	// the episode ends (Ready or failure). Waiters re-check state on wake.
	readyCh     chan struct{}
	readyClosed bool

	// drainCh wakes a stop waiting for in-flight requests to reach zero.
	drainCh chan struct{}

	// lastErr records why the most recent Starting episode failed.
	lastErr error
}

func newHandle(cfg config.BackendConfig) *Handle {
	h := &Handle{hostname: cfg.Hostname}
	h.cfg.Store(&cfg)
	metrics.SetBackendState(cfg.Hostname, int(StateStopped))
	return h
}

// Hostname returns the canonical hostname this handle routes.
func (h *Handle) Hostname() string {
	return h.hostname
}

// Config returns the current config snapshot.
func (h *Handle) Config() *config.BackendConfig {
	return h.cfg.Load()
}

// Port returns the backend's loopback port from the current snapshot.
func (h *Handle) Port() int {
	return h.cfg.Load().Port
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// InFlight returns the number of admitted, uncompleted requests.
func (h *Handle) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight
}

// setStateLocked transitions the state and publishes it. Callers hold mu.
func (h *Handle) setStateLocked(s State) {
	h.state = s
	metrics.SetBackendState(h.hostname, int(s))
}

// beginStartingLocked opens a fresh ready-notify generation. Callers hold mu.
func (h *Handle) beginStartingLocked(now time.Time) {
	h.setStateLocked(StateStarting)
	h.startedAt = now
	h.failures = 0
	h.lastErr = nil
	h.readyCh = make(chan struct{})
	h.readyClosed = false
}

// fireReadyLocked closes the current ready channel exactly once, waking every
// admission waiting on this Starting episode. Callers hold mu.
func (h *Handle) fireReadyLocked() {
	if h.readyCh != nil && !h.readyClosed {
		close(h.readyCh)
		h.readyClosed = true
	}
}

// touchLocked refreshes the activity timestamp. Callers hold mu.
func (h *Handle) touchLocked(now time.Time) {
	h.lastActivity = now
}

// releaseGuard decrements in-flight and wakes a draining stop when the count
// reaches zero.
func (h *Handle) releaseGuard() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.inFlight--
	metrics.InFlightRequests.WithLabelValues(h.hostname).Set(float64(h.inFlight))

	if h.inFlight == 0 && h.state == StateStopping && h.drainCh != nil {
		select {
		case h.drainCh <- struct{}{}:
		default:
		}
	}
}

// Guard is the scoped in-flight token returned by Acquire. Its release is
// bound to request completion on every path: success, error, cancellation,
// and panic unwind (callers defer Release).
type Guard struct {
	h    *Handle
	once sync.Once
}

func newGuard(h *Handle) *Guard {
	return &Guard{h: h}
}

// Release decrements the in-flight counter. It is idempotent; only the first
// call has an effect.
func (g *Guard) Release() {
	g.once.Do(g.h.releaseGuard)
}
