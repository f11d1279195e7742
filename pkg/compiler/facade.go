package compiler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/config"
	"github.com/shrisukhani/hhvm/pkg/pool"
	"github.com/shrisukhani/hhvm/pkg/spawner"
	"github.com/shrisukhani/hhvm/pkg/worker"
)

var tracer = otel.Tracer("github.com/shrisukhani/hhvm/pkg/compiler")

// Request mirrors worker.Request; re-exported here so callers of the
// facade never need to import pkg/worker directly.
type Request = worker.Request

// Response mirrors worker.Response.
type Response = worker.Response

// Facade is the Compile Facade: the single entry point a host uses to
// compile source through a pool of persistent external compiler
// subprocesses. It owns the pool's lifecycle and the retry policy layered
// on top of individual worker attempts.
type Facade struct {
	pool    *pool.Pool
	cfg     *config.Config
	metrics pool.MetricsCollector
	logger  *zap.Logger
}

// New constructs a Facade over cfg. If cfg.Disabled(), it returns
// (nil, ConfigDisabled) rather than an error about a misconfigured pool —
// the caller's correct response is to fall back to in-process compilation,
// not to treat this as fatal.
func New(name string, cfg *config.Config, sp spawner.ProcessSpawner, opts ...Option) (*Facade, error) {
	if cfg.Disabled() {
		return nil, ConfigDisabled
	}

	f := &Facade{
		cfg:     cfg,
		metrics: pool.NopMetricsCollector{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	p, err := pool.New(name, cfg, sp, pool.WithMetricsCollector(f.metrics), pool.WithLogger(f.logger))
	if err != nil {
		if errors.Is(err, pool.ErrDisabled) {
			return nil, ConfigDisabled
		}
		return nil, err
	}
	f.pool = p
	return f, nil
}

// Start spawns every worker's subprocess. A BadCompiler failure here is
// fatal: the facade's pool never becomes usable and Start returns a
// *BadCompiler wrapping the underlying exec failure.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.pool.Start(ctx); err != nil {
		var bad *worker.BadCompiler
		if errors.As(err, &bad) {
			return &BadCompiler{Err: bad}
		}
		return err
	}
	return nil
}

// Version returns the compiler version string captured from the first
// worker's handshake during Start, empty before Start succeeds.
func (f *Facade) Version() string { return f.pool.Version() }

// Shutdown stops every worker's subprocess.
func (f *Facade) Shutdown(ctx context.Context) {
	f.pool.Shutdown(ctx)
}

// DetachAfterFork resets ownership of every worker's subprocess for hosts
// that fork() after Start.
func (f *Facade) DetachAfterFork() {
	f.pool.DetachAfterFork()
}

// Compile leases a worker and compiles req, retrying immediately within
// the same lease on transport failures up to cfg.Tries() total attempts. A
// CompileError is never retried — the subprocess processed the request and
// rejected it, and no amount of respawning changes that. A TransportError
// returned after exhausting every attempt accumulates every attempt's
// message rather than just the last.
func (f *Facade) Compile(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "compiler.Compile",
		trace.WithAttributes(
			attribute.String("compiler.pool", f.pool.Name()),
			attribute.String("compiler.file", req.Filename),
		))
	defer span.End()

	resp, err := f.compile(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (f *Facade) compile(ctx context.Context, req Request) (Response, error) {
	lease, err := f.pool.Acquire(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("compiler: acquire: %w", err)
	}
	defer lease.Release()

	w := lease.Worker()
	tries := f.cfg.Tries()

	var messages []string

	for attempt := uint64(1); attempt <= tries; attempt++ {
		if err := w.EnsureStarted(ctx); err != nil {
			var bad *worker.BadCompiler
			if errors.As(err, &bad) {
				f.metrics.CompileResult(f.pool.Name(), "bad_compiler")
				return Response{}, &BadCompiler{Err: err}
			}
			messages = append(messages, err.Error())
			continue
		}

		resp, err := w.Compile(ctx, req)
		if err == nil {
			f.metrics.CompileResult(f.pool.Name(), "success")
			return resp, nil
		}

		if isTransport(err) {
			f.logger.Warn("compile attempt failed transport, retrying",
				zap.Int("attempt", int(attempt)), zap.Uint64("max_attempts", tries), zap.Error(err))
			messages = append(messages, err.Error())
			continue
		}

		// CompileError or an unrecognized failure: not transient, return now.
		f.metrics.CompileResult(f.pool.Name(), "compile_error")
		return Response{}, &CompileError{Err: err}
	}

	f.metrics.CompileResult(f.pool.Name(), "transport_error")
	return Response{}, &TransportError{Attempts: tries, Messages: messages}
}
