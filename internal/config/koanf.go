// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found will be used.
var DefaultConfigPaths = []string{
	"spawngate.yaml",
	"spawngate.yml",
	"/etc/spawngate/spawngate.yaml",
	"/etc/spawngate/spawngate.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config
// file path.
const ConfigPathEnvVar = "SPAWNGATE_CONFIG"

// envPrefix is the prefix for environment variable overrides, e.g.
// SPAWNGATE_SERVER_PORT=8081 overrides server.port.
const envPrefix = "SPAWNGATE_"

// ResolvePath returns the config file path: the SPAWNGATE_CONFIG override if
// set, otherwise the first existing default path, otherwise "".
func ResolvePath() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, candidate := range DefaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load loads configuration from defaults, the first discovered config file,
// and SPAWNGATE_* environment variables, then validates the result.
func Load() (*Config, error) {
	return LoadFromPath(ResolvePath())
}

// LoadFromPath loads configuration with an explicit file path. An empty path
// skips the file layer (defaults + environment only).
func LoadFromPath(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: built-in defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Layer 2: optional YAML config file.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables. SPAWNGATE_SERVER_ADMIN_TOKEN=...
	// becomes server.admin_token. Backend hostnames contain dots, so env
	// overrides only address server, defaults, and logging sections.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		for _, section := range []string{"server", "defaults", "logging"} {
			if strings.HasPrefix(key, section+"_") {
				return section + "." + strings.TrimPrefix(key, section+"_")
			}
		}
		return key
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// The map key is the routing hostname; stamp it into each record.
	for hostname, backend := range cfg.Backends {
		backend.Hostname = strings.ToLower(hostname)
		if backend.PullPolicy == "" {
			backend.PullPolicy = PullIfNotPresent
		}
		cfg.Backends[hostname] = backend
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
