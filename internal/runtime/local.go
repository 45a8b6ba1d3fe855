// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/tomtom215/spawngate/internal/logging"
)

// LocalRuntime spawns backends as local OS processes. Each process runs in
// its own process group so termination signals reach any children it forks.
type LocalRuntime struct{}

// NewLocalRuntime creates a LocalRuntime.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{}
}

// Start spawns the configured command with the merged environment
// (inherited + configured + PORT + ready URL) and wires stdout/stderr into
// the structured log.
func (r *LocalRuntime) Start(_ context.Context, spec StartSpec) (Handle, error) {
	cfg := spec.Config

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}

	env := os.Environ()
	for key, value := range cfg.Env {
		env = append(env, key+"="+value)
	}
	env = append(env, "PORT="+strconv.Itoa(cfg.Port))
	env = append(env, ReadyURLEnvVar+"="+spec.ReadyURL)
	cmd.Env = env

	// Fresh process group: signaling -pgid reaches forked children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := logging.NewLineWriter(spec.Hostname, "stdout", zerolog.InfoLevel)
	stderr := logging.NewLineWriter(spec.Hostname, "stderr", zerolog.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("spawning %q: %w", cfg.Command, err)
	}

	h := &localHandle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
		stdout: stdout,
		stderr: stderr,
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
		if h.waitErr != nil {
			logging.Debug().Err(h.waitErr).Str("hostname", spec.Hostname).
				Int("pid", h.pid).Msg("backend process exited")
		}
	}()

	logging.Info().Str("hostname", spec.Hostname).Int("pid", h.pid).
		Str("command", cfg.Command).Msg("backend process spawned")

	return h, nil
}

type localHandle struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	waitErr error
	stdout  *logging.LineWriter
	stderr  *logging.LineWriter
	closeMu sync.Mutex
	closed  bool
}

func (h *localHandle) ID() string {
	return strconv.Itoa(h.pid)
}

// TerminateGraceful sends SIGTERM to the whole process group.
func (h *localHandle) TerminateGraceful(_ context.Context) error {
	if !h.IsAlive(context.Background()) {
		return nil
	}
	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signaling process group %d: %w", h.pid, err)
	}
	return nil
}

// TerminateForce sends SIGKILL to the whole process group.
func (h *localHandle) TerminateForce(_ context.Context) error {
	if !h.IsAlive(context.Background()) {
		return nil
	}
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing process group %d: %w", h.pid, err)
	}
	return nil
}

func (h *localHandle) IsAlive(_ context.Context) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *localHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *localHandle) Close() {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	_ = h.stdout.Close()
	_ = h.stderr.Close()
}
