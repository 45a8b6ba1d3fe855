// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

// Package lifecycle implements the backend lifecycle controller: the
// per-host state machine (Stopped → Starting → Ready → (Unhealthy|Stopping)
// → Stopped), on-demand spawning, startup and continuous health polling,
// idle shutdown, graceful drain, and signal-based termination.
//
// The proxy data plane interacts with the controller through exactly one
// operation: Manager.Acquire, which drives the backend to Ready under
// concurrency and returns a Guard that pins the backend until the request
// completes.
//
// # Invariants
//
//   - inFlight > 0 implies state ∈ {Ready, Stopping}; admission checks Ready
//     and increments in one critical section.
//   - Exactly one runtime handle is live per backend whenever state is not
//     Stopped, and it is closed exactly once on the transition to Stopped.
//   - A Stopping backend admits nothing; draining ends when inFlight reaches
//     zero or the drain timeout elapses.
//   - The ready notification fires exactly once per Starting episode;
//     waiters re-check state when woken.
//   - Config reload never mutates a running backend; snapshots are re-read
//     on the next Starting transition.
package lifecycle
