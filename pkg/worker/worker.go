// Package worker implements a single persistent out-of-process compiler
// worker: it owns one subprocess, the three pipes wired to its stdio, the
// framed wire protocol over those pipes, and the state machine that moves
// the worker between Unstarted and Running.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/config"
	"github.com/shrisukhani/hhvm/pkg/protocol"
	"github.com/shrisukhani/hhvm/pkg/spawner"
)

// InvalidPID is the sentinel pid held while no subprocess is running.
const InvalidPID = -1

// State is the worker's lifecycle state.
type State int

const (
	// Unstarted means no subprocess is running; EnsureStarted, or Compile
	// itself, spawns one (again) on next use.
	Unstarted State = iota
	// Running means a subprocess is alive and has completed its
	// handshake; Compile may be called.
	Running
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Worker owns one compiler subprocess and the framed channel to it. It is
// not safe for concurrent use by multiple goroutines; callers (the pool's
// Lease Guard) are expected to serialize access to a given Worker.
type Worker struct {
	id      int
	cfg     *config.Config
	spawner spawner.ProcessSpawner
	logger  *zap.Logger

	mu    sync.Mutex
	state State
	pid   int

	handle  spawner.Handle
	channel *protocol.Channel
	stdin   spawner.PipePair
	stdout  spawner.PipePair
	stderr  spawner.PipePair

	stopStderrDrain func()

	version      string
	compilations uint64
}

// New creates a Worker in the Unstarted state. id is an opaque label used
// only for logging and metrics (e.g. the worker's index within the pool).
func New(id int, cfg *config.Config, sp spawner.ProcessSpawner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		cfg:     cfg,
		spawner: sp,
		logger:  logger.With(zap.Int("worker_id", id)),
		state:   Unstarted,
		pid:     InvalidPID,
	}
}

// ID returns the worker's opaque index within its pool.
func (w *Worker) ID() int { return w.id }

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pid returns the subprocess pid, or InvalidPID if Unstarted.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// VersionString returns the version line the worker reported during its
// handshake, empty if it has never successfully started.
func (w *Worker) VersionString() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// EnsureVersion spawns the worker if necessary and returns the version it
// reported during its handshake.
func (w *Worker) EnsureVersion(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Running {
		if err := w.start(ctx); err != nil {
			return "", err
		}
	}
	return w.version, nil
}

// Compilations returns how many compile() calls this subprocess instance
// has served since it was last spawned.
func (w *Worker) Compilations() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compilations
}

// EnsureStarted spawns the subprocess and performs the handshake if the
// worker is Unstarted; it is a no-op if already Running. On any failure it
// leaves the worker Unstarted. A failed exec, or a subprocess that never
// produces a well-formed version line, is reported as *BadCompiler so the
// pool can fail fast at startup; failures after the handshake's version
// exchange (the discard byte, the config frames) are *TransportError and
// retryable.
func (w *Worker) EnsureStarted(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Running {
		return nil
	}
	return w.start(ctx)
}

// DetachFromProcess resets the worker's ownership of its subprocess
// without sending any signal or waiting on it. It exists for hosts that fork()
// after the pool has started: the forked child inherited the worker's file
// descriptors and pid but must not act on them, since the parent still
// owns that subprocess. The caller is responsible for invoking this on
// every Worker immediately after such a fork, before doing anything else
// in the child.
func (w *Worker) DetachFromProcess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handle = nil
	w.channel = nil
	w.pid = InvalidPID
	w.state = Unstarted
	w.version = ""
	w.compilations = 0
}

// restartThresholdReached reports whether the compilation counter has
// exceeded (strictly, not merely reached) the configured reset threshold.
func (w *Worker) restartThresholdReached() bool {
	return w.cfg.RestartAfterCompilations > 0 && w.compilations > w.cfg.RestartAfterCompilations
}

func (w *Worker) wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	w.logger.Warn("worker transport error", zap.String("op", op), zap.Error(err))
	return &TransportError{Op: op, Worker: w.id, Err: err}
}

// TransportError reports a failure of the pipe/subprocess itself rather
// than of the compilation request it was carrying. Per the retry policy,
// callers holding a lease should kill and respawn the worker and retry.
type TransportError struct {
	Op     string
	Worker int
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("worker %d: %s: %v", e.Worker, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CompileError reports that the subprocess understood and processed the
// request but the compilation itself failed, or that it sent a reply the
// protocol doesn't recognize. It is not transient: the retry loop returns
// it immediately without spawning another attempt.
type CompileError struct {
	Worker  int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("worker %d: compile error: %s", e.Worker, e.Message)
}
