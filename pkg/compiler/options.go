package compiler

import (
	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/pool"
)

// Option configures optional Facade behavior at construction time.
type Option func(*Facade)

// WithMetricsCollector overrides the default no-op MetricsCollector,
// shared with the underlying pool.
func WithMetricsCollector(m pool.MetricsCollector) Option {
	return func(f *Facade) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithLogger overrides the default no-op zap.Logger, shared with the
// underlying pool and every worker it spawns.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}
