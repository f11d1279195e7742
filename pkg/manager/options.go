package manager

import (
	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/pool"
	"github.com/shrisukhani/hhvm/pkg/spawner"
)

// Option configures optional Manager behavior at construction time.
type Option func(*Manager)

// WithMetricsCollector shares one MetricsCollector across every pool the
// Manager starts.
func WithMetricsCollector(mc pool.MetricsCollector) Option {
	return func(m *Manager) {
		if mc != nil {
			m.metrics = mc
		}
	}
}

// WithLogger shares one zap.Logger across every pool the Manager starts.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSpawner overrides the default OSSpawner, for tests or embedders with
// unusual process-creation needs (sandboxing, cgroups).
func WithSpawner(sp spawner.ProcessSpawner) Option {
	return func(m *Manager) {
		if sp != nil {
			m.spawner = sp
		}
	}
}
