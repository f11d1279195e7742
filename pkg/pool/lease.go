package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/shrisukhani/hhvm/pkg/worker"
)

// Lease is scoped, exclusive access to one Worker, acquired via
// Pool.Acquire and released with Release (or defer'd via Guard). It plays
// the role of a C++ RAII lock guard: while held, no other caller can use
// the same Worker, and Release always returns the slot to the pool,
// whether or not the caller's compile succeeded.
type Lease struct {
	pool   *Pool
	worker *worker.Worker
	done   bool
}

// Worker returns the leased Worker.
func (l *Lease) Worker() *worker.Worker { return l.worker }

// Release returns the Worker to the pool's free slots. Calling it more
// than once is a no-op, so Release is safe to defer unconditionally even
// when a caller also releases explicitly on a fast path.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.pool.metrics.LeaseReleased(l.pool.name, l.worker.ID())
	l.pool.slots <- l.worker
}

// Acquire blocks until a worker slot is free or ctx is done, whichever
// comes first. The returned Lease must be released, typically via
// `defer lease.Release()`; extra Release calls are no-ops.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	select {
	case w := <-p.slots:
		p.metrics.LeaseAcquired(p.name, w.ID(), time.Since(start).Seconds())
		return &Lease{pool: p, worker: w}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("pool %s: acquire: %w", p.name, ctx.Err())
	}
}

// Guard acquires a lease, runs fn with the leased worker, and releases the
// lease unconditionally afterward — the common case where a caller has no
// reason to hold the lease past a single call.
func (p *Pool) Guard(ctx context.Context, fn func(w *worker.Worker) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Worker())
}
