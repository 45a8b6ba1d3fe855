// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/tomtom215/spawngate/internal/config"
	"github.com/tomtom215/spawngate/internal/logging"
)

// DockerRuntime runs backends as Docker containers. Containers are always
// named, bound to 127.0.0.1 only, and removed when the handle closes.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon and verifies it responds.
// An empty host uses DOCKER_HOST / the platform default socket.
func NewDockerRuntime(ctx context.Context, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon not responding: %w", err)
	}

	return &DockerRuntime{cli: cli}, nil
}

// ContainerName derives the managed container name for a hostname unless the
// config pins one explicitly.
func ContainerName(cfg *config.BackendConfig) string {
	if cfg.ContainerName != "" {
		return cfg.ContainerName
	}
	return "spawngate-" + strings.ReplaceAll(cfg.Hostname, ".", "-")
}

// Start pulls the image per the pull policy, creates a named container with
// the port published on loopback, starts it, and attaches the log stream.
func (r *DockerRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	cfg := spec.Config

	if err := r.pullIfNeeded(ctx, cfg.Image, cfg.PullPolicy); err != nil {
		return nil, err
	}

	name := ContainerName(cfg)

	// A crashed previous run may have left a container behind under our name.
	_ = r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	portKey := nat.Port(strconv.Itoa(cfg.Port) + "/tcp")
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{portKey: []nat.PortBinding{
			{HostIP: "127.0.0.1", HostPort: strconv.Itoa(cfg.Port)},
		}},
	}
	if cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(cfg.Network)
	}
	if cfg.Memory != "" {
		limit, err := units.RAMInBytes(cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", cfg.Memory, err)
		}
		hostConfig.Resources.Memory = limit
	}
	if cfg.CPUs != "" {
		cpus, err := strconv.ParseFloat(cfg.CPUs, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu limit %q: %w", cfg.CPUs, err)
		}
		hostConfig.Resources.NanoCPUs = int64(cpus * 1e9)
	}

	containerConfig := &container.Config{
		Image:        cfg.Image,
		Env:          BuildEnv(spec),
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
	}
	if len(cfg.Args) > 0 {
		containerConfig.Cmd = cfg.Args
	}

	resp, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container %q from %q: %w", name, cfg.Image, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container %q: %w", name, err)
	}

	h := &dockerHandle{
		cli:     r.cli,
		id:      resp.ID,
		name:    name,
		logDone: make(chan struct{}),
	}
	h.streamLogs(spec.Hostname)

	logging.Info().Str("hostname", spec.Hostname).Str("container_id", resp.ID).
		Str("container_name", name).Str("image", cfg.Image).Msg("started docker container")

	return h, nil
}

// pullIfNeeded honors the configured pull policy.
func (r *DockerRuntime) pullIfNeeded(ctx context.Context, img string, policy config.PullPolicy) error {
	present := true
	if _, err := r.cli.ImageInspect(ctx, img); err != nil {
		present = false
	}

	switch policy {
	case config.PullNever:
		if !present {
			return fmt.Errorf("image %q not present locally and pull_policy is never", img)
		}
		return nil
	case config.PullIfNotPresent:
		if present {
			return nil
		}
	case config.PullAlways:
	}

	logging.Info().Str("image", img).Msg("pulling docker image")
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %q: %w", img, err)
	}
	defer reader.Close()

	// The pull stream must be drained for the pull to complete.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull stream for %q: %w", img, err)
	}
	return nil
}

// BuildEnv assembles the container environment: configured variables plus
// PORT and the ready callback URL.
func BuildEnv(spec StartSpec) []string {
	cfg := spec.Config
	env := make([]string, 0, len(cfg.Env)+2)
	for key, value := range cfg.Env {
		env = append(env, key+"="+value)
	}
	env = append(env, "PORT="+strconv.Itoa(cfg.Port))
	env = append(env, ReadyURLEnvVar+"="+spec.ReadyURL)
	return env
}

type dockerHandle struct {
	cli     *client.Client
	id      string
	name    string
	logStop context.CancelFunc
	logDone chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func (h *dockerHandle) ID() string {
	return h.id
}

// streamLogs attaches a follower to the container's log endpoint and relays
// demuxed stdout/stderr into the structured log until Close or stream end.
func (h *dockerHandle) streamLogs(hostname string) {
	ctx, cancel := context.WithCancel(context.Background())
	h.logStop = cancel

	stdout := logging.NewLineWriter(hostname, "stdout", zerolog.InfoLevel)
	stderr := logging.NewLineWriter(hostname, "stderr", zerolog.WarnLevel)

	go func() {
		defer close(h.logDone)
		defer stdout.Close()
		defer stderr.Close()

		reader, err := h.cli.ContainerLogs(ctx, h.id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			logging.Warn().Err(err).Str("hostname", hostname).
				Str("container_id", h.id).Msg("attaching container logs failed")
			return
		}
		defer reader.Close()

		// Docker multiplexes both streams over one connection.
		if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && ctx.Err() == nil {
			logging.Debug().Err(err).Str("hostname", hostname).
				Str("container_id", h.id).Msg("container log stream ended")
		}
	}()
}

// TerminateGraceful delivers SIGTERM to the container's PID 1.
func (h *dockerHandle) TerminateGraceful(ctx context.Context) error {
	if err := h.cli.ContainerKill(ctx, h.id, "SIGTERM"); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("signaling container %q: %w", h.name, err)
	}
	return nil
}

// TerminateForce kills the container.
func (h *dockerHandle) TerminateForce(ctx context.Context) error {
	if err := h.cli.ContainerKill(ctx, h.id, "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("killing container %q: %w", h.name, err)
	}
	return nil
}

func (h *dockerHandle) IsAlive(ctx context.Context) bool {
	inspect, err := h.cli.ContainerInspect(ctx, h.id)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (h *dockerHandle) Wait(ctx context.Context) error {
	waitCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
		return nil
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops log streaming and removes the container. Containers are always
// removed on stop so stale names never block the next start.
func (h *dockerHandle) Close() {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	if h.logStop != nil {
		h.logStop()
		<-h.logDone
	}

	if err := h.cli.ContainerRemove(context.Background(), h.id,
		container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		logging.Warn().Err(err).Str("container_id", h.id).Msg("removing container failed")
	}
}
