// Package model defines the data structures for cascade's configuration and
// the structured workflow description the engine consumes.
package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Local     LocalConfig     `yaml:"local"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Hooks carries per-module arguments handed to every module's create
	// callback. Keys are module names.
	Hooks map[string]map[string]any `yaml:"hooks,omitempty"`
}

type RetryConfig struct {
	// Limit is the number of failed attempts after which a node is
	// terminally failed. Zero means no retries.
	Limit int `yaml:"limit"`
	// SubmitBackoffMs is the initial delay before resubmitting a node
	// whose backend submission failed; it grows exponentially up to
	// SubmitBackoffMaxMs.
	SubmitBackoffMs    int `yaml:"submit_backoff_ms"`
	SubmitBackoffMaxMs int `yaml:"submit_backoff_max_ms"`
}

type SchedulerConfig struct {
	// PollTimeoutMs bounds the backend poll each iteration so newly ready
	// nodes are never starved behind a slow completion.
	PollTimeoutMs int `yaml:"poll_timeout_ms"`
	// StuckIterations is the number of consecutive iterations with no
	// outstanding jobs and no progress after which the run is declared
	// failed instead of spinning forever.
	StuckIterations int `yaml:"stuck_iterations"`
}

type LocalConfig struct {
	// MaxJobs caps concurrently running local processes.
	MaxJobs int `yaml:"max_jobs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File receives the engine log; empty means stderr.
	File string `yaml:"file,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Addr is the listen address for the Prometheus endpoint, e.g.
	// "127.0.0.1:9464". Empty disables the listener even when enabled.
	Addr string `yaml:"addr,omitempty"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Retry.Limit < 0 {
		c.Retry.Limit = 0
	}
	if c.Retry.SubmitBackoffMs <= 0 {
		c.Retry.SubmitBackoffMs = 250
	}
	if c.Retry.SubmitBackoffMaxMs <= 0 {
		c.Retry.SubmitBackoffMaxMs = 30_000
	}
	if c.Scheduler.PollTimeoutMs <= 0 {
		c.Scheduler.PollTimeoutMs = 200
	}
	if c.Scheduler.StuckIterations <= 0 {
		c.Scheduler.StuckIterations = 3
	}
	if c.Local.MaxJobs <= 0 {
		c.Local.MaxJobs = 4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadConfig reads a YAML config file. A missing file yields defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
