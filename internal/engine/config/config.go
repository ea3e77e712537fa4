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

// Package config loads the YAML file an enginectl instance (or any
// other embedder that prefers file-based configuration over
// constructing pkg/engine.Config by hand) starts from.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	enginelog "github.com/tombee/flowctl/internal/log"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory". Default: "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Required when Backend is "sqlite".
	Path string `yaml:"path"`
}

// DispatcherConfig bounds the worker pool.
type DispatcherConfig struct {
	MinWorkers    int `yaml:"min_workers"`
	MaxWorkers    int `yaml:"max_workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// Config is the complete engine configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Log        enginelog.Config `yaml:"log"`

	// DefaultStepTimeout bounds any step whose definition doesn't set its
	// own timeout. Zero means no default. Like every duration field here,
	// it is written as a Go duration string such as "30s"; yaml.v3 parses
	// those into time.Duration and rejects plain integers.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	// SchedulerTickInterval is how often the scheduler polls for due
	// schedules. Default: 1s.
	SchedulerTickInterval time.Duration `yaml:"scheduler_tick_interval"`
	// EventHistoryCap bounds how many past events the event bus retains
	// for late subscribers. Default: 1000.
	EventHistoryCap int `yaml:"event_history_cap"`
	// KVSweepInterval is how often expired KV entries are purged. Zero
	// keeps the KV store's default 30s sweep.
	KVSweepInterval time.Duration `yaml:"kv_sweep_interval"`
}

// Default returns a Config with the same defaults the zero-value
// subsystems (dispatcher, scheduler, eventbus) apply themselves.
func Default() *Config {
	return &Config{
		Store:                 StoreConfig{Backend: "sqlite", Path: "engine.db"},
		Dispatcher:            DispatcherConfig{MinWorkers: 2, MaxWorkers: 10, QueueCapacity: 1000},
		Log:                   *enginelog.DefaultConfig(),
		SchedulerTickInterval: time.Second,
		EventHistoryCap:       1000,
	}
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return &engineerrors.ConfigurationError{Field: "store.path", Reason: "required when store.backend is \"sqlite\""}
		}
	case "memory":
	default:
		return &engineerrors.ConfigurationError{Field: "store.backend", Reason: fmt.Sprintf("must be \"sqlite\" or \"memory\", got %q", c.Store.Backend)}
	}

	if c.Dispatcher.MinWorkers < 0 || c.Dispatcher.MaxWorkers < 0 || c.Dispatcher.QueueCapacity < 0 {
		return &engineerrors.ConfigurationError{Field: "dispatcher", Reason: "min_workers, max_workers, and queue_capacity must not be negative"}
	}
	if c.Dispatcher.MaxWorkers > 0 && c.Dispatcher.MinWorkers > c.Dispatcher.MaxWorkers {
		return &engineerrors.ConfigurationError{Field: "dispatcher", Reason: "min_workers must not exceed max_workers"}
	}
	if c.EventHistoryCap < 0 {
		return &engineerrors.ConfigurationError{Field: "event_history_cap", Reason: "must not be negative"}
	}
	return nil
}
