package worker

import (
	"context"
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/spawner"
)

// Stop terminates a Running worker: SIGTERM, then wait up to
// cfg.StopTimeoutSeconds for a clean exit. It is idempotent — calling it
// on an already-Unstarted worker is a no-op. Stop never returns an error:
// the caller's contract is "this worker is no longer usable, and may now
// be spawned again", not "the subprocess definitely exited". If the wait
// times out, Stop logs and returns without escalating to SIGKILL or
// waiting again; the accepted fallback is a leaked zombie left for init
// to reap, not a second signal.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Unstarted {
		return
	}
	w.stopLocked(ctx)
	w.state = Unstarted
}

func (w *Worker) stopLocked(ctx context.Context) {
	handle := w.handle
	pid := w.pid
	w.teardown()

	if handle == nil {
		return
	}
	if err := handle.Signal(syscall.SIGTERM); err != nil {
		w.logger.Debug("SIGTERM failed, process likely already gone", zap.Int("pid", pid), zap.Error(err))
		return
	}

	timeout := time.Duration(w.cfg.StopTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	state, err := spawner.WaitWithTimeout(ctx, handle, timeout)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.logger.Warn("worker did not exit before timeout, leaving it for the reaper",
			zap.Int("pid", pid), zap.Duration("timeout", timeout))
		return
	}
	// A non-zero exit after SIGTERM is the expected way for the subprocess
	// to die; report whatever status the wait observed.
	if state != nil {
		w.logger.Info("worker exited", zap.Int("pid", pid), zap.String("status", state.String()))
	}
}

// teardown releases the worker's own resources (pipes, channel, stderr
// drain) but does not signal or wait on the subprocess; both Stop and the
// transport-failure path share it, and DetachFromProcess deliberately
// skips it since in that case the pipes belong to the parent, not to us.
func (w *Worker) teardown() {
	if w.stopStderrDrain != nil {
		w.stdin.Close()
		w.stdout.Close()
		w.stderr.Close()
		w.stopStderrDrain()
		w.stopStderrDrain = nil
	}
	w.handle = nil
	w.channel = nil
	w.pid = InvalidPID
}
