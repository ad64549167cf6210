// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the sprocket server configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Environment variables recognized by Load.
const (
	// EnvConfig selects the configuration file.
	EnvConfig = "SPROCKET_CONFIG"
	// EnvOutputDir overrides the output directory.
	EnvOutputDir = "SPROCKET_OUTPUT_DIR"
)

// Config is the sprocket server configuration.
type Config struct {
	// OutputDirectory is the root of the on-disk output layout.
	// Default: "./out"
	OutputDirectory string `yaml:"output_directory"`

	// AllowedFilePaths lists directories that local workflow sources may
	// be read from. Paths are canonicalized during validation.
	AllowedFilePaths []string `yaml:"allowed_file_paths"`

	// AllowedURLs lists URL prefixes that remote workflow sources may be
	// fetched from.
	AllowedURLs []string `yaml:"allowed_urls"`

	// FileSourcesEnabled allows local file paths as workflow sources.
	// Default: false
	FileSourcesEnabled bool `yaml:"file_sources_enabled"`

	// MaxConcurrentRuns bounds the number of concurrently running runs.
	// Nil means unbounded; zero is rejected.
	MaxConcurrentRuns *int `yaml:"max_concurrent_runs"`

	// DatabasePath is the provenance database file path.
	// Default: "<output_directory>/provenance.db"
	DatabasePath string `yaml:"database_path"`

	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Default: "127.0.0.1:8080"
	Addr string `yaml:"addr"`

	// RateLimit is the sustained run submission rate in requests per
	// second. Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the submission burst size when rate limiting is
	// enabled. Default: 10
	RateBurst int `yaml:"rate_burst"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on span export. Default: false
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds the logging keys of the configuration file. The keys
// are parsed but not applied: the process logger is configured from the
// environment only (see log.FromEnv).
type LogConfig struct {
	// Level is a minimum log level name (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is an output format name (json, text).
	Format string `yaml:"format"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	return &Config{
		OutputDirectory: "./out",
		Server: ServerConfig{
			Addr:      "127.0.0.1:8080",
			RateBurst: 10,
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file, and
// environment overrides. If path is empty, SPROCKET_CONFIG is consulted;
// if that is also empty, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if dir := os.Getenv(EnvOutputDir); dir != "" {
		cfg.OutputDirectory = dir
	}

	return cfg, nil
}

// Validate canonicalizes and validates the configuration. It must be
// called once at startup; validation failures are fatal.
func (c *Config) Validate() error {
	if c.OutputDirectory == "" {
		c.OutputDirectory = "./out"
	}

	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.OutputDirectory, "provenance.db")
	}

	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 10
	}

	canonical := make([]string, 0, len(c.AllowedFilePaths))
	for _, p := range c.AllowedFilePaths {
		resolved, err := canonicalize(p)
		if err != nil {
			return fmt.Errorf("%w: failed to canonicalize allowed path %s: %v", ErrInvalidConfig, p, err)
		}
		canonical = append(canonical, resolved)
	}
	c.AllowedFilePaths = dedupeSorted(canonical)

	urls := make([]string, 0, len(c.AllowedURLs))
	for _, raw := range c.AllowedURLs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%w: invalid URL %q", ErrInvalidConfig, raw)
		}
		urls = append(urls, raw)
	}
	c.AllowedURLs = dedupeSorted(urls)

	if c.MaxConcurrentRuns != nil && *c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("%w: `max_concurrent_runs` must be at least 1", ErrInvalidConfig)
	}

	return nil
}

// canonicalize resolves a path to its absolute, symlink-free form.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// dedupeSorted sorts the values and removes duplicates.
func dedupeSorted(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	var prev string
	for i, v := range values {
		if i == 0 || v != prev {
			out = append(out, v)
		}
		prev = v
	}
	return out
}
