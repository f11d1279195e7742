// Package config loads and validates the immutable Configuration shared by
// every Worker in a pool.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the immutable, per-pool configuration described in the data
// model: verbose-errors flag, maximum retries, worker count, the command
// line used to invoke the compiler subprocess, and whether workers should
// inherit the host's global configuration on handshake.
type Config struct {
	// VerboseErrors appends the submitted source and the reply body to the
	// message of an "error" reply, for diagnostic context.
	VerboseErrors bool `yaml:"verbose_errors"`

	// MaxRetries is the number of retries after the first attempt; the
	// facade therefore makes at most MaxRetries+1 attempts. The budget
	// saturates at math.MaxUint64 instead of wrapping on overflow.
	MaxRetries uint64 `yaml:"max_retries"`

	// WorkerCount is the fixed number of worker slots in the pool. Must
	// be >= 1 for the pool to be usable; a WorkerCount of 0 signals the
	// pool is disabled (ConfigDisabled).
	WorkerCount int `yaml:"worker_count"`

	// Command is the subprocess command line, e.g.
	// []string{"/usr/bin/hackc", "--daemon"}. An empty Command also
	// disables the pool.
	Command []string `yaml:"command"`

	// InheritGlobalConfig controls whether the first config frame pushed
	// to a freshly spawned worker carries the host's global settings, or
	// an empty body.
	InheritGlobalConfig bool `yaml:"inherit_global_config"`

	// RestartAfterCompilations is the compilation counter threshold past
	// which a worker proactively stops and respawns, guarding against
	// leaked subprocess state. Zero disables the guard.
	RestartAfterCompilations uint64 `yaml:"restart_after_compilations"`

	// StopTimeoutSeconds bounds how long Worker.stop waits for the
	// subprocess to exit after SIGTERM before giving up and leaking the
	// zombie to the reaper.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`

	// Username, if non-empty, instructs the spawner to drop subprocess
	// privileges to this user before exec.
	Username string `yaml:"username"`
}

// Tries returns the maximum number of attempts the Compile Facade makes:
// max(1, MaxRetries+1), saturating instead of wrapping on overflow.
func (c *Config) Tries() uint64 {
	if c.MaxRetries >= math.MaxUint64-1 {
		return math.MaxUint64
	}
	tries := c.MaxRetries + 1
	if tries < 1 {
		return 1
	}
	return tries
}

// Disabled reports whether the pool should not be started at all: no
// workers configured, or no command to run them with.
func (c *Config) Disabled() bool {
	return c.WorkerCount <= 0 || len(c.Command) == 0
}

// Validate checks invariants that aren't self-evident from the zero value.
func (c *Config) Validate() error {
	if c.WorkerCount < 0 {
		return fmt.Errorf("config: worker_count must be >= 0, got %d", c.WorkerCount)
	}
	if c.StopTimeoutSeconds < 0 {
		return fmt.Errorf("config: stop_timeout_seconds must be >= 0, got %d", c.StopTimeoutSeconds)
	}
	return nil
}

// Default returns a Config with the pool disabled (WorkerCount 0) and
// conservative defaults for everything else, meant to be layered under
// either Load or a Builder.
func Default() *Config {
	return &Config{
		VerboseErrors:            false,
		MaxRetries:               2,
		WorkerCount:              0,
		InheritGlobalConfig:      true,
		RestartAfterCompilations: 0,
		StopTimeoutSeconds:       5,
	}
}

// Load reads a YAML document at path into a Config, starting from
// Default() so unset fields keep their conservative defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
