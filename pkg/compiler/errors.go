// Package compiler implements the Compile Facade: the public entry point
// that turns one source file into bytecode by leasing a worker from a
// pool, retrying on transport failures up to the configured budget, and
// translating worker-level errors into the facade's error taxonomy.
package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shrisukhani/hhvm/pkg/worker"
)

// TransportError is returned only when every retry attempt was exhausted
// by transport failures; it accumulates every attempt's message, one per
// line, rather than just the last.
type TransportError struct {
	Attempts uint64
	Messages []string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("compiler: transport failed after %d attempt(s):\n%s", e.Attempts, strings.Join(e.Messages, "\n"))
}

// CompileError is returned immediately, without retrying, whenever the
// subprocess understood the request but rejected it (or replied with an
// unrecognized message type).
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string { return e.Err.Error() }
func (e *CompileError) Unwrap() error { return e.Err }

// BadCompiler is returned by Start, or by Compile when a worker respawns,
// if the subprocess command could not be exec'd or never sent a
// well-formed version line.
type BadCompiler struct {
	Err error
}

func (e *BadCompiler) Error() string { return fmt.Sprintf("compiler: %v", e.Err) }
func (e *BadCompiler) Unwrap() error { return e.Err }

// ConfigDisabled is returned by New when the pool configuration is
// disabled (see pool.ErrDisabled) — not a failure, a caller should fall
// back to in-process compilation.
var ConfigDisabled = errors.New("compiler: pool disabled by configuration")

// isTransport reports whether err is (or wraps) a worker.TransportError.
func isTransport(err error) bool {
	var te *worker.TransportError
	return errors.As(err, &te)
}
