// Package telemetry wires OpenTelemetry tracing for the compiler pool: a
// resource describing the pool, a trace provider, and a shutdown hook.
// Metrics are served separately via pkg/pool's Prometheus collector, and
// exporter selection is left to the embedder (see Config.Exporter) rather
// than hardcoded to stdout.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config describes the service identity attached to every span.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Exporter receives finished spans. A nil Exporter disables tracing:
	// Init installs nothing and Tracer calls are cheap no-ops.
	Exporter sdktrace.SpanExporter
}

// Provider wraps the process-wide TracerProvider this package installs.
type Provider struct {
	tp           *sdktrace.TracerProvider
	shutdownOnce sync.Once
}

// Init builds a resource from cfg and, if cfg.Exporter is set, installs a
// batched TracerProvider as the global otel tracer provider. If
// cfg.Exporter is nil, it installs nothing and returns a Provider whose
// Shutdown is a no-op.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Exporter == nil {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(cfg.Exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Tracer returns a tracer scoped to name, using the global provider Init
// installed (or the no-op default if tracing is disabled).
func (p *Provider) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes and stops the underlying TracerProvider. Safe to call
// more than once and safe to call on a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	var err error
	p.shutdownOnce.Do(func() {
		err = p.tp.Shutdown(ctx)
	})
	return err
}
