package config

import "fmt"

// Builder provides a fluent interface for constructing a Config
// programmatically, for hosts that don't want to load one from YAML.
//
// Usage:
//
//	cfg, err := config.NewBuilder().
//	    WithCommand("/usr/bin/hackc", "--daemon").
//	    WithWorkerCount(4).
//	    WithMaxRetries(2).
//	    Build()
type Builder struct {
	config *Config
	err    error
}

// NewBuilder creates a Builder seeded with Default().
func NewBuilder() *Builder {
	return &Builder{config: Default()}
}

// WithCommand sets the subprocess command line. The first argument is the
// executable; the rest are its arguments.
func (b *Builder) WithCommand(argv ...string) *Builder {
	if b.err != nil {
		return b
	}
	if len(argv) == 0 {
		b.err = fmt.Errorf("command cannot be empty")
		return b
	}
	b.config.Command = argv
	return b
}

// WithWorkerCount sets the fixed pool size.
func (b *Builder) WithWorkerCount(n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 1 {
		b.err = fmt.Errorf("worker count must be >= 1, got %d", n)
		return b
	}
	b.config.WorkerCount = n
	return b
}

// WithMaxRetries sets the retry budget after the first attempt.
func (b *Builder) WithMaxRetries(n uint64) *Builder {
	if b.err != nil {
		return b
	}
	b.config.MaxRetries = n
	return b
}

// WithVerboseErrors turns on appending the submitted source and the reply
// body to the message of an "error" reply.
func (b *Builder) WithVerboseErrors(v bool) *Builder {
	if b.err != nil {
		return b
	}
	b.config.VerboseErrors = v
	return b
}

// WithInheritGlobalConfig controls whether the first config frame carries
// the host's global settings or an empty body.
func (b *Builder) WithInheritGlobalConfig(v bool) *Builder {
	if b.err != nil {
		return b
	}
	b.config.InheritGlobalConfig = v
	return b
}

// WithRestartAfterCompilations sets the opportunistic-restart threshold.
func (b *Builder) WithRestartAfterCompilations(n uint64) *Builder {
	if b.err != nil {
		return b
	}
	b.config.RestartAfterCompilations = n
	return b
}

// WithStopTimeoutSeconds bounds the subprocess-wait in Worker.stop.
func (b *Builder) WithStopTimeoutSeconds(s int) *Builder {
	if b.err != nil {
		return b
	}
	if s < 0 {
		b.err = fmt.Errorf("stop timeout cannot be negative, got %d", s)
		return b
	}
	b.config.StopTimeoutSeconds = s
	return b
}

// WithUsername instructs the spawner to drop privileges to this user.
func (b *Builder) WithUsername(username string) *Builder {
	if b.err != nil {
		return b
	}
	b.config.Username = username
	return b
}

// Build validates the accumulated configuration and returns it.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, fmt.Errorf("config builder: %w", b.err)
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// MustBuild is Build but panics on error, for callers certain their
// configuration is valid (e.g. tests, simple mains).
func (b *Builder) MustBuild() *Config {
	cfg, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("config: MustBuild: %v", err))
	}
	return cfg
}
