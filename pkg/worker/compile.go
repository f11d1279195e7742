package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/protocol"
)

var tracer = otel.Tracer("github.com/shrisukhani/hhvm/pkg/worker")

// Request is a single compilation unit sent to the subprocess: the source
// file's logical name (used for diagnostics, not opened by the worker),
// its contents, and whether it should be compiled as a systemlib unit.
type Request struct {
	Filename    string
	Source      []byte
	IsSystemlib bool

	// MD5 is the lowercase-hex content hash sent on the code frame.
	// Callers that already hold the hash (the common case — the host
	// hashed the unit for its own cache key) supply it here; when empty,
	// Compile hashes Source itself.
	MD5 string
}

// Response is the assembled unit returned by a successful compile.
type Response struct {
	Bytecode    []byte
	IsSystemlib bool
}

// Compile sends one request over the worker's channel and returns its
// reply. If the compilation counter has already exceeded the configured
// restart threshold, the worker stops and respawns before handling this
// request, guarding against leaked subprocess state. If the worker is not
// running at all, it is spawned lazily here.
//
// A framing/IO failure moves the worker to Unstarted and is returned as
// *TransportError; the caller (the Compile Facade) is expected to retry
// the same lease, which respawns on its next attempt. A reply of type
// "error", or any type the protocol doesn't recognize, is returned as
// *CompileError and does NOT change the worker's state — the subprocess is
// still alive and usable for the next request.
func (w *Worker) Compile(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "worker.Compile",
		trace.WithAttributes(
			attribute.Int("worker.id", w.id),
			attribute.String("compiler.file", req.Filename),
		))
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Running && w.restartThresholdReached() {
		w.logger.Info("worker reached restart threshold, respawning before next compile",
			zap.Uint64("compilations", w.compilations))
		w.stopLocked(ctx)
		w.state = Unstarted
	}

	if w.state != Running {
		if err := w.start(ctx); err != nil {
			return Response{}, err
		}
	}

	w.compilations++

	digest := req.MD5
	if digest == "" {
		sum := md5.Sum(req.Source)
		digest = hex.EncodeToString(sum[:])
	}
	header := protocol.Header{
		Type: "code",
		Extra: map[string]any{
			"md5":          digest,
			"file":         req.Filename,
			"is_systemlib": req.IsSystemlib,
		},
	}
	if err := w.channel.WriteFrame(header, req.Source); err != nil {
		w.onTransportFailure("write code frame", err)
		return Response{}, w.wrapTransport("write code frame", err)
	}

	reply, err := w.channel.ReadFrame()
	if err != nil {
		w.onTransportFailure("read compile reply", err)
		return Response{}, w.wrapTransport("read compile reply", err)
	}

	span.SetAttributes(attribute.String("compiler.reply_type", reply.Header.Type))

	switch reply.Header.Type {
	case "hhas":
		return Response{
			Bytecode:    reply.Body,
			IsSystemlib: reply.Header.Bool("is_systemlib"),
		}, nil

	case "error":
		msg := reply.Header.String("error")
		if w.cfg.VerboseErrors {
			msg = fmt.Sprintf("%s\nsource:\n%s\noutput:\n%s", msg, req.Source, reply.Body)
		}
		return Response{}, &CompileError{Worker: w.id, Message: msg}

	default:
		return Response{}, &CompileError{
			Worker:  w.id,
			Message: fmt.Sprintf("unknown message type, %s", reply.Header.Type),
		}
	}
}

// onTransportFailure tears the subprocess down and marks the worker
// Unstarted; called with w.mu already held.
func (w *Worker) onTransportFailure(op string, err error) {
	w.logger.Warn("worker transport failure, tearing down", zap.String("op", op), zap.Error(err))
	w.teardown()
	w.state = Unstarted
}
