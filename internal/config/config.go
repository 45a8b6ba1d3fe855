// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package config

import (
	"time"
)

// Config holds all application configuration loaded from a YAML file and
// environment variables.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (spawngate.yaml)
//  3. Environment Variables: Override any setting via SPAWNGATE_* variables
//
// Thread Safety:
// Config is immutable after Load() and safe for concurrent read access.
// Hot reload produces a fresh Config; running backends pick up changed
// BackendConfig snapshots on their next start.
type Config struct {
	Server   ServerConfig             `koanf:"server"`
	Defaults BackendDefaults          `koanf:"defaults"`
	Backends map[string]BackendConfig `koanf:"backends" validate:"dive"`
	Logging  LoggingConfig            `koanf:"logging"`
}

// ServerConfig holds listener and shared-client settings.
type ServerConfig struct {
	// Bind is the address the proxy listener binds to.
	Bind string `koanf:"bind"`

	// Port is the proxy listener port (HTTP/1.1 and h2c).
	Port int `koanf:"port" validate:"min=1,max=65535"`

	// AdminPort is the admin API port (ready callbacks, status, metrics).
	AdminPort int `koanf:"admin_port" validate:"min=1,max=65535"`

	// AdminToken authenticates ready callbacks and status reads.
	// Callers present it as a bearer token.
	AdminToken string `koanf:"admin_token" validate:"required"`

	// PoolMaxIdlePerHost caps idle pooled connections per backend.
	PoolMaxIdlePerHost int `koanf:"pool_max_idle_per_host" validate:"min=1"`

	// PoolIdleTimeout closes pooled connections idle longer than this.
	PoolIdleTimeout time.Duration `koanf:"pool_idle_timeout" validate:"min=1s"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// BackendDefaults are server-wide defaults applied to any backend that does
// not override them. All durations must be positive.
type BackendDefaults struct {
	// IdleTimeout stops a backend after this long without admitted traffic.
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"min=1ms"`

	// StartupTimeout bounds spawn plus startup health polling.
	StartupTimeout time.Duration `koanf:"startup_timeout" validate:"min=1ms"`

	// HealthCheckInterval is the probe cadence while Starting.
	HealthCheckInterval time.Duration `koanf:"health_check_interval" validate:"min=1ms"`

	// ReadyHealthInterval is the probe cadence while Ready.
	ReadyHealthInterval time.Duration `koanf:"ready_health_interval" validate:"min=1ms"`

	// ShutdownGrace is the window between polite termination and force kill.
	ShutdownGrace time.Duration `koanf:"shutdown_grace" validate:"min=1ms"`

	// DrainTimeout bounds the wait for in-flight requests during Stopping.
	DrainTimeout time.Duration `koanf:"drain_timeout" validate:"min=1ms"`

	// RequestTimeout bounds a proxied round trip (excluding WebSocket tunnels).
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"min=1ms"`

	// HealthPath is the backend health endpoint.
	HealthPath string `koanf:"health_path"`

	// UnhealthyThreshold is the consecutive probe failures before restart.
	UnhealthyThreshold int `koanf:"unhealthy_threshold" validate:"min=1"`
}

// BackendKind selects the runtime that manages a backend.
type BackendKind string

const (
	// KindLocal spawns the backend as a local OS process.
	KindLocal BackendKind = "local"
	// KindDocker runs the backend as a Docker container.
	KindDocker BackendKind = "docker"
)

// PullPolicy controls image pulls for docker backends.
type PullPolicy string

const (
	// PullAlways pulls the image on every start.
	PullAlways PullPolicy = "always"
	// PullNever fails the start if the image is absent locally.
	PullNever PullPolicy = "never"
	// PullIfNotPresent pulls only when the image is absent locally.
	PullIfNotPresent PullPolicy = "if-not-present"
)

// BackendConfig describes one managed backend. Instances are immutable
// snapshots; reload swaps the whole record and it takes effect on the
// backend's next Starting transition.
type BackendConfig struct {
	// Hostname is the canonical lowercase DNS name routed to this backend.
	// Populated from the backends map key during Load.
	Hostname string `koanf:"-"`

	// Kind is "local" or "docker".
	Kind BackendKind `koanf:"kind" validate:"oneof=local docker"`

	// Port is the loopback TCP port the backend listens on.
	Port int `koanf:"port" validate:"min=1,max=65535"`

	// Local process fields.
	Command    string            `koanf:"command"`
	Args       []string          `koanf:"args"`
	WorkingDir string            `koanf:"working_dir"`
	Env        map[string]string `koanf:"env"`

	// Docker fields.
	Image         string     `koanf:"image"`
	PullPolicy    PullPolicy `koanf:"pull_policy"`
	ContainerName string     `koanf:"container_name"`
	Memory        string     `koanf:"memory"`
	CPUs          string     `koanf:"cpus"`
	Network       string     `koanf:"network"`
	DockerHost    string     `koanf:"docker_host"`

	// Per-backend overrides; nil means the server default applies.
	IdleTimeoutOverride         *time.Duration `koanf:"idle_timeout"`
	StartupTimeoutOverride      *time.Duration `koanf:"startup_timeout"`
	HealthCheckIntervalOverride *time.Duration `koanf:"health_check_interval"`
	ReadyHealthIntervalOverride *time.Duration `koanf:"ready_health_interval"`
	ShutdownGraceOverride       *time.Duration `koanf:"shutdown_grace"`
	DrainTimeoutOverride        *time.Duration `koanf:"drain_timeout"`
	RequestTimeoutOverride      *time.Duration `koanf:"request_timeout"`
	HealthPathOverride          string         `koanf:"health_path"`
	UnhealthyThresholdOverride  int            `koanf:"unhealthy_threshold"`
}

// defaultConfig returns a Config with all built-in defaults. The zero values
// here match the upstream defaults the proxy has always shipped with.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:               "0.0.0.0",
			Port:               8080,
			AdminPort:          9999,
			PoolMaxIdlePerHost: 10,
			PoolIdleTimeout:    90 * time.Second,
		},
		Defaults: BackendDefaults{
			IdleTimeout:         10 * time.Minute,
			StartupTimeout:      30 * time.Second,
			HealthCheckInterval: 100 * time.Millisecond,
			ReadyHealthInterval: 5 * time.Second,
			ShutdownGrace:       10 * time.Second,
			DrainTimeout:        30 * time.Second,
			RequestTimeout:      30 * time.Second,
			HealthPath:          "/health",
			UnhealthyThreshold:  3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func orDuration(override *time.Duration, def time.Duration) time.Duration {
	if override != nil && *override > 0 {
		return *override
	}
	return def
}

// IdleTimeout resolves the effective idle timeout.
func (b *BackendConfig) IdleTimeout(d *BackendDefaults) time.Duration {
	return orDuration(b.IdleTimeoutOverride, d.IdleTimeout)
}

// StartupTimeout resolves the effective startup timeout.
func (b *BackendConfig) StartupTimeout(d *BackendDefaults) time.Duration {
	return orDuration(b.StartupTimeoutOverride, d.StartupTimeout)
}

// HealthCheckInterval resolves the startup probe cadence.
func (b *BackendConfig) HealthCheckInterval(d *BackendDefaults) time.Duration {
	return orDuration(b.HealthCheckIntervalOverride, d.HealthCheckInterval)
}

// ReadyHealthInterval resolves the continuous probe cadence.
func (b *BackendConfig) ReadyHealthInterval(d *BackendDefaults) time.Duration {
	return orDuration(b.ReadyHealthIntervalOverride, d.ReadyHealthInterval)
}

// ShutdownGrace resolves the polite-termination grace window.
func (b *BackendConfig) ShutdownGrace(d *BackendDefaults) time.Duration {
	return orDuration(b.ShutdownGraceOverride, d.ShutdownGrace)
}

// DrainTimeout resolves the in-flight drain bound.
func (b *BackendConfig) DrainTimeout(d *BackendDefaults) time.Duration {
	return orDuration(b.DrainTimeoutOverride, d.DrainTimeout)
}

// RequestTimeout resolves the proxied round-trip bound.
func (b *BackendConfig) RequestTimeout(d *BackendDefaults) time.Duration {
	return orDuration(b.RequestTimeoutOverride, d.RequestTimeout)
}

// HealthPath resolves the health endpoint path.
func (b *BackendConfig) HealthPath(d *BackendDefaults) string {
	if b.HealthPathOverride != "" {
		return b.HealthPathOverride
	}
	return d.HealthPath
}

// UnhealthyThreshold resolves the consecutive-failure threshold.
func (b *BackendConfig) UnhealthyThreshold(d *BackendDefaults) int {
	if b.UnhealthyThresholdOverride >= 1 {
		return b.UnhealthyThresholdOverride
	}
	return d.UnhealthyThreshold
}
