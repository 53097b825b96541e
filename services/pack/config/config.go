// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads jobpack settings from YAML, .env files and the
// environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// MaxConfigFileSize bounds the size of a config file.
const MaxConfigFileSize = 1 << 20

// DefaultFileName is the project config file looked up by the CLI.
const DefaultFileName = "jobpack.yaml"

// Environment variables that override file settings.
const (
	EnvRoot        = "JOBPACK_ROOT"
	EnvOutDir      = "JOBPACK_OUT_DIR"
	EnvDebounce    = "JOBPACK_DEBOUNCE"
	EnvStatusAddr  = "JOBPACK_STATUS_ADDR"
	EnvSnapshotDir = "JOBPACK_SNAPSHOT_DIR"
	EnvConcurrency = "JOBPACK_CONCURRENCY"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full jobpack configuration.
type Config struct {
	// Root anchors every relative path and pattern below.
	Root string `yaml:"root" validate:"required"`

	// Sources are glob patterns for declaration files.
	Sources []string `yaml:"sources" validate:"min=1,dive,required"`

	// OutDir receives packaged bundles.
	OutDir string `yaml:"out_dir" validate:"required"`

	RuntimeIdentifier string `yaml:"runtime_identifier" validate:"required"`

	// Concurrency bounds parallel parsing and rewriting. 0 means NumCPU.
	Concurrency int `yaml:"concurrency" validate:"gte=0"`

	Factories FactoryConfig `yaml:"factories"`

	// Roots are the bundle targets. Empty means every declared job.
	Roots []string `yaml:"roots" validate:"dive,required"`

	Watch    WatchConfig    `yaml:"watch"`
	Status   StatusConfig   `yaml:"status"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// FactoryConfig names the recognized declaration factories.
type FactoryConfig struct {
	Job      string `yaml:"job" validate:"required"`
	Workflow string `yaml:"workflow" validate:"required"`
}

// WatchConfig configures the dependency watcher.
type WatchConfig struct {
	Debounce  time.Duration `yaml:"debounce"`
	CacheSize int           `yaml:"cache_size" validate:"gte=1"`
	Groups    []GroupConfig `yaml:"groups" validate:"dive"`
}

// GroupConfig is one watch group.
type GroupConfig struct {
	ID       string   `yaml:"id" validate:"required"`
	Patterns []string `yaml:"patterns" validate:"min=1,dive,required"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// SnapshotConfig configures dependency graph snapshots.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default returns the embedded defaults.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultYAML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return &cfg
}

// Load reads the config at path over the defaults, then applies a .env file
// next to it and environment overrides, then validates.
//
// Inputs:
//   - path: Config file. A missing file is allowed; the defaults are used.
//     An empty path means DefaultFileName in the working directory.
//
// Outputs:
//   - *Config: The validated configuration. Relative Root is resolved
//     against the config file's directory.
//   - error: Wraps ErrInvalidConfig for validation failures.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFileName
	}
	dir := filepath.Dir(path)

	envFile := filepath.Join(dir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", slog.String("path", path))
		data = nil
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(dir, cfg.Root)
	}
	return cfg, nil
}

// Parse decodes data over the defaults, applies environment overrides and
// validates. Empty data yields the defaults.
func Parse(data []byte) (*Config, error) {
	if len(data) > MaxConfigFileSize {
		return nil, fmt.Errorf("config exceeds maximum size (%d > %d)", len(data), MaxConfigFileSize)
	}
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		c.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOutDir)); v != "" {
		c.OutDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStatusAddr)); v != "" {
		c.Status.Addr = v
		c.Status.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv(EnvSnapshotDir)); v != "" {
		c.Snapshot.Dir = v
		c.Snapshot.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv(EnvDebounce)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvDebounce, err)
		}
		c.Watch.Debounce = d
	}
	if v := strings.TrimSpace(os.Getenv(EnvConcurrency)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvConcurrency, err)
		}
		c.Concurrency = n
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints, then rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("%w: watch.debounce must be positive, got %s", ErrInvalidConfig, c.Watch.Debounce)
	}
	seen := make(map[string]struct{}, len(c.Watch.Groups))
	for i, g := range c.Watch.Groups {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			return fmt.Errorf("%w: watch.groups[%d]: id must not be blank", ErrInvalidConfig, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: watch.groups[%d]: duplicate id %q", ErrInvalidConfig, i, id)
		}
		seen[id] = struct{}{}
	}
	if c.Snapshot.Enabled && strings.TrimSpace(c.Snapshot.Dir) == "" {
		return fmt.Errorf("%w: snapshot.dir is required when snapshots are enabled", ErrInvalidConfig)
	}
	return nil
}

// Resolve anchors p at Root unless it is absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, filepath.FromSlash(p))
}
