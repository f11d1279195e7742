package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/protocol"
	"github.com/shrisukhani/hhvm/pkg/spawner"
)

// start spawns the subprocess, wires its stdio to fresh pipes, and runs the
// version handshake plus the initial configuration push. Callers must hold
// w.mu. On any error the worker is left Unstarted with every resource it
// opened cleaned up.
func (w *Worker) start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "worker.spawn",
		trace.WithAttributes(attribute.Int("worker.id", w.id)))
	defer span.End()

	stdin, err := spawner.NewPipePair(true)
	if err != nil {
		return &TransportError{Op: "open stdin pipe", Worker: w.id, Err: err}
	}
	stdout, err := spawner.NewPipePair(false)
	if err != nil {
		stdin.Close()
		return &TransportError{Op: "open stdout pipe", Worker: w.id, Err: err}
	}
	stderr, err := spawner.NewPipePair(false)
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &TransportError{Op: "open stderr pipe", Worker: w.id, Err: err}
	}

	handle, err := w.spawner.Spawn(ctx, w.cfg.Command, w.cfg.Username, stdin.Remote, stdout.Remote, stderr.Remote)
	if err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return &BadCompiler{Command: w.cfg.Command, Err: err}
	}

	_ = stdin.CloseRemote()
	_ = stdout.CloseRemote()
	_ = stderr.CloseRemote()

	w.stdin, w.stdout, w.stderr = stdin, stdout, stderr
	w.handle = handle
	w.pid = handle.Pid()
	w.channel = protocol.NewChannel(w.stdin.Local, w.stdout.Local)

	w.drainStderr()

	if err := w.handshake(); err != nil {
		w.teardown()
		return err
	}

	w.state = Running
	w.compilations = 0
	w.logger.Info("worker started",
		zap.Int("pid", w.pid),
		zap.String("version", w.version),
	)
	return nil
}

// handshake reads the subprocess's version line, writes the single
// discard byte the subprocess protocol expects right after it, and pushes
// the two configuration frames: the host's global settings (a zero-byte
// body if InheritGlobalConfig is off) and a supplementary frame for
// settings that don't fit the first form (currently always zero-byte).
//
// A subprocess that execs but never sends a well-formed version line is
// a bad compiler, not a flaky pipe: the read, the parse, and the
// presence/type of the version field itself all fail into *BadCompiler so
// the pool aborts Start instead of quietly retrying on the next lease.
func (w *Worker) handshake() error {
	line, err := w.channel.ReadLine()
	if err != nil {
		return &BadCompiler{Command: w.cfg.Command, Err: fmt.Errorf("read version line: %w", err)}
	}
	var startup protocol.Header
	if err := json.Unmarshal(line, &startup); err != nil {
		return &BadCompiler{Command: w.cfg.Command, Err: fmt.Errorf("parse version line %q: %w", line, err)}
	}
	version, ok := startup.Extra["version"].(string)
	if !ok {
		return &BadCompiler{Command: w.cfg.Command, Err: fmt.Errorf("handshake: version line %q has no string \"version\" field", line)}
	}
	w.version = version

	if err := w.channel.WriteLine([]byte("\n")); err != nil {
		return w.wrapTransport("write discard line", err)
	}

	// With InheritGlobalConfig off the first config frame carries a
	// zero-byte body, which the subprocess must accept without reading
	// any body at all. The supplementary frame has nothing beyond the
	// first form to convey, so it is always empty.
	var globalBody []byte
	if w.cfg.InheritGlobalConfig {
		globalBody, err = json.Marshal(globalConfigPayload())
		if err != nil {
			return w.wrapTransport("marshal global config", err)
		}
	}
	if err := w.channel.WriteFrame(protocol.Header{Type: "config"}, globalBody); err != nil {
		return w.wrapTransport("write global config frame", err)
	}
	if err := w.channel.WriteFrame(protocol.Header{Type: "config"}, nil); err != nil {
		return w.wrapTransport("write supplementary config frame", err)
	}
	return nil
}

// globalConfigPayload is a placeholder for whatever host-wide settings a
// real embedder wants every worker to inherit when InheritGlobalConfig
// is on.
func globalConfigPayload() map[string]any {
	return map[string]any{}
}

// drainStderr continuously reads the subprocess's stderr in the
// background and logs each line, so a chatty compiler never blocks on a
// full pipe buffer. stopStderrDrain blocks until the goroutine observes
// EOF, used by teardown to avoid leaking the goroutine past the pipe's
// closure.
func (w *Worker) drainStderr() {
	done := make(chan struct{})
	stderr := w.stderr.Local
	pid := w.pid
	logger := w.logger
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Warn("worker stderr", zap.Int("pid", pid), zap.String("line", scanner.Text()))
		}
	}()
	w.stopStderrDrain = func() { <-done }
}

// BadCompiler is returned when the subprocess itself could not be
// exec'd — the command is missing, not executable, or similar — or when
// it exec'd but never sent a well-formed version line. It is fatal: the
// pool fails Start rather than retrying, since no amount of retrying will
// make a missing binary appear.
type BadCompiler struct {
	Command []string
	Err     error
}

func (e *BadCompiler) Error() string {
	return fmt.Sprintf("bad compiler %v: %v", e.Command, e.Err)
}

func (e *BadCompiler) Unwrap() error { return e.Err }
