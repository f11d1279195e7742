// Package manager owns the process-wide singleton that starts, stops, and
// tracks compiler pool Facades: start-once, explicit shutdown, and
// post-fork detach, kept as an explicit singleton instead of
// process-global statics.
package manager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/compiler"
	"github.com/shrisukhani/hhvm/pkg/config"
	"github.com/shrisukhani/hhvm/pkg/pool"
	"github.com/shrisukhani/hhvm/pkg/spawner"
)

// Manager owns every named compiler Facade the host has started. It is
// safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	facades map[string]*compiler.Facade
	metrics pool.MetricsCollector
	logger  *zap.Logger
	spawner spawner.ProcessSpawner
}

// New creates an empty Manager. A host typically keeps exactly one of
// these as a process-wide singleton (see Singleton below), but Manager
// itself has no hidden global state — tests can construct as many as
// they like.
func New(opts ...Option) *Manager {
	m := &Manager{
		facades: make(map[string]*compiler.Facade),
		metrics: pool.NopMetricsCollector{},
		logger:  zap.NewNop(),
		spawner: spawner.NewOSSpawner(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	singletonOnce sync.Once
	singleton     *Manager
)

// Singleton returns the process-wide Manager, constructing it on first
// call with opts. Subsequent calls ignore opts and return the same
// instance; the pool-of-pools is configured once at process startup.
func Singleton(opts ...Option) *Manager {
	singletonOnce.Do(func() {
		singleton = New(opts...)
	})
	return singleton
}

// EnsureStarted starts the named pool's Facade if it isn't already
// running, and returns it either way. name is typically the subprocess
// kind, e.g. "hackc" — a host may run more than one pool concurrently.
// Returns compiler.ConfigDisabled unchanged if cfg is disabled, so callers
// can treat "no pool for this config" as a normal, checkable outcome.
func (m *Manager) EnsureStarted(ctx context.Context, name string, cfg *config.Config) (*compiler.Facade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.facades[name]; ok {
		return f, nil
	}

	f, err := compiler.New(name, cfg, m.spawner,
		compiler.WithMetricsCollector(m.metrics),
		compiler.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}
	if err := f.Start(ctx); err != nil {
		return nil, fmt.Errorf("manager: start pool %q: %w", name, err)
	}

	m.facades[name] = f
	m.logger.Info("manager: pool started", zap.String("pool", name))
	return f, nil
}

// Facade returns the named pool's Facade if it has been started, or nil.
func (m *Manager) Facade(name string) *compiler.Facade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facades[name]
}

// Shutdown stops every pool this Manager has started.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, f := range m.facades {
		f.Shutdown(ctx)
		m.logger.Info("manager: pool stopped", zap.String("pool", name))
	}
	m.facades = make(map[string]*compiler.Facade)
}

// DetachAfterFork resets ownership of every pool's subprocesses without
// signaling or waiting on any of them. Go has no pthread_atfork
// equivalent, so this cannot run automatically on fork: a host that
// calls syscall.ForkExec (or otherwise forks)
// after starting pools MUST call this on the child's Manager immediately,
// before doing anything else, or the child will believe it owns
// subprocesses that in fact still belong to the parent.
func (m *Manager) DetachAfterFork() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.facades {
		f.DetachAfterFork()
	}
}
