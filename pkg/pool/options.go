package pool

import "go.uber.org/zap"

// Option configures optional Pool behavior at construction time.
type Option func(*Pool)

// WithMetricsCollector overrides the default no-op MetricsCollector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger overrides the default no-op zap.Logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}
