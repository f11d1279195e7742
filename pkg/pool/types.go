// Package pool implements the fixed-size worker pool: a slot vector of
// pkg/worker.Worker instances, blocking lease acquisition bounded by the
// pool's size, and the Lease Guard that scopes exclusive access to one
// slot for the duration of a single compile call, retries included.
package pool

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/config"
	"github.com/shrisukhani/hhvm/pkg/spawner"
	"github.com/shrisukhani/hhvm/pkg/worker"
)

// MetricsCollector receives pool lifecycle and lease events. Implementations
// must be safe for concurrent use. See NopMetricsCollector and the
// Prometheus implementation in prometheus.go.
type MetricsCollector interface {
	WorkerSpawned(poolName string, workerID int)
	WorkerStopped(poolName string, workerID int, reason string)
	LeaseAcquired(poolName string, workerID int, waitSeconds float64)
	LeaseReleased(poolName string, workerID int)
	CompileResult(poolName string, outcome string)
}

// NopMetricsCollector discards every event; it is the default when no
// collector is supplied.
type NopMetricsCollector struct{}

func (NopMetricsCollector) WorkerSpawned(string, int)          {}
func (NopMetricsCollector) WorkerStopped(string, int, string)  {}
func (NopMetricsCollector) LeaseAcquired(string, int, float64) {}
func (NopMetricsCollector) LeaseReleased(string, int)          {}
func (NopMetricsCollector) CompileResult(string, string)       {}

// Pool owns a fixed number of worker.Worker slots and hands out exclusive
// leases on them, blocking when every slot is checked out. It corresponds
// to one configuration's worth of subprocesses.
type Pool struct {
	name    string
	cfg     *config.Config
	metrics MetricsCollector
	logger  *zap.Logger

	slots chan *worker.Worker // buffered to WorkerCount; acts as the free-list/semaphore
	all   []*worker.Worker

	version string // cached from the first worker to complete its handshake
}

// ErrDisabled is returned by New when cfg.Disabled() is true; it signals
// the caller should skip the pool entirely rather than treat it as a
// startup failure.
var ErrDisabled = fmt.Errorf("pool: disabled by configuration")

// New constructs a Pool's worker slots but does not spawn any subprocess;
// call Start for that. It returns ErrDisabled if cfg.Disabled().
func New(name string, cfg *config.Config, sp spawner.ProcessSpawner, opts ...Option) (*Pool, error) {
	if cfg.Disabled() {
		return nil, ErrDisabled
	}
	if sp == nil {
		sp = spawner.NewOSSpawner()
	}

	p := &Pool{
		name:    name,
		cfg:     cfg,
		metrics: NopMetricsCollector{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.all = make([]*worker.Worker, cfg.WorkerCount)
	p.slots = make(chan *worker.Worker, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		p.all[i] = worker.New(i, cfg, sp, p.logger)
	}
	return p, nil
}

// Name returns the pool's label, used in metrics and logs.
func (p *Pool) Name() string { return p.name }

// Size returns the fixed number of worker slots.
func (p *Pool) Size() int { return len(p.all) }

// Start spawns every worker's subprocess up front. If any worker fails
// with BadCompiler, Start aborts and stops whatever was already spawned,
// returning that error — a pool that can't spawn its first worker is
// misconfigured, not merely unlucky, so it isn't worth continuing.
func (p *Pool) Start(ctx context.Context) error {
	for i, w := range p.all {
		if err := w.EnsureStarted(ctx); err != nil {
			var bad *worker.BadCompiler
			if isBadCompiler(err, &bad) {
				p.Shutdown(ctx)
				return fmt.Errorf("pool %s: %w", p.name, err)
			}
			p.logger.Warn("pool: worker failed to start, will retry on first lease",
				zap.String("pool", p.name), zap.Int("worker_id", i), zap.Error(err))
		} else {
			if p.version == "" {
				p.version = w.VersionString()
			}
			p.metrics.WorkerSpawned(p.name, i)
		}
		p.slots <- w
	}
	return nil
}

// Version returns the compiler version reported by the first worker to
// complete its handshake during Start, empty if none has yet.
func (p *Pool) Version() string { return p.version }

func isBadCompiler(err error, target **worker.BadCompiler) bool {
	for err != nil {
		if bc, ok := err.(*worker.BadCompiler); ok {
			*target = bc
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Shutdown stops every worker's subprocess. It does not wait for
// outstanding leases to be released first; callers that need a clean
// drain should stop issuing new compiles and let in-flight ones finish
// before calling Shutdown.
func (p *Pool) Shutdown(ctx context.Context) {
	for _, w := range p.all {
		w.Stop(ctx)
		p.metrics.WorkerStopped(p.name, w.ID(), "shutdown")
	}
}

// DetachAfterFork calls Worker.DetachFromProcess on every slot, for hosts
// that fork() after starting the pool. pkg/manager's DetachAfterFork calls
// this for every pool a Manager has started.
func (p *Pool) DetachAfterFork() {
	for _, w := range p.all {
		w.DetachFromProcess()
	}
}
