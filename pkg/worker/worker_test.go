package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrisukhani/hhvm/pkg/config"
	"github.com/shrisukhani/hhvm/pkg/protocol"
	"github.com/shrisukhani/hhvm/pkg/spawner"
)

// fakeHandshake performs the subprocess side of the version handshake and
// the two config-frame reads, returning the channel ready for the
// steady-state compile loop. Returns false if the handshake failed, in
// which case the caller should just return.
func fakeHandshake(stdin, stdout *os.File) (*protocol.Channel, bool) {
	ch := protocol.NewChannel(stdout, stdin)
	if _, err := stdout.Write([]byte(`{"version":"fake-compiler-1.0"}` + "\n")); err != nil {
		return nil, false
	}
	if _, err := ch.ReadLine(); err != nil { // discard byte
		return nil, false
	}
	if _, err := ch.ReadFrame(); err != nil { // global config
		return nil, false
	}
	if _, err := ch.ReadFrame(); err != nil { // supplementary config
		return nil, false
	}
	return ch, true
}

// echoCompilerBehavior simulates a well-behaved compiler subprocess: it
// handshakes, then replies "hhas" to every "code" frame with the source
// echoed back as a stand-in bytecode.
func echoCompilerBehavior() func(stdin, stdout, stderr *os.File) {
	return func(stdin, stdout, stderr *os.File) {
		ch, ok := fakeHandshake(stdin, stdout)
		if !ok {
			return
		}
		for {
			frame, err := ch.ReadFrame()
			if err != nil {
				return
			}
			if frame.Header.Type != "code" {
				continue
			}
			_ = ch.WriteFrame(protocol.Header{Type: "hhas"}, frame.Body)
		}
	}
}

func erroringCompilerBehavior() func(stdin, stdout, stderr *os.File) {
	return func(stdin, stdout, stderr *os.File) {
		ch, ok := fakeHandshake(stdin, stdout)
		if !ok {
			return
		}
		for {
			frame, err := ch.ReadFrame()
			if err != nil {
				return
			}
			if frame.Header.Type != "code" {
				continue
			}
			_ = ch.WriteFrame(protocol.Header{Type: "error", Extra: map[string]any{"error": "parse error"}}, nil)
		}
	}
}

func newTestConfig() *config.Config {
	cfg := config.Default()
	cfg.WorkerCount = 1
	cfg.Command = []string{"fake-compiler"}
	return cfg
}

func TestEnsureStarted_RunsHandshakeAndBecomesRunning(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)

	require.NoError(t, w.EnsureStarted(context.Background()))
	assert.Equal(t, Running, w.State())
	assert.Equal(t, "fake-compiler-1.0", w.VersionString())
	assert.NotEqual(t, InvalidPID, w.Pid())
}

func TestEnsureStarted_MissingVersionLineIsBadCompiler(t *testing.T) {
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		_ = stdout.Close() // EOF before any version line at all
	}}
	w := New(0, newTestConfig(), fake, nil)

	err := w.EnsureStarted(context.Background())
	require.Error(t, err)

	var bad *BadCompiler
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, Unstarted, w.State())
}

func TestEnsureStarted_UnparsableVersionLineIsBadCompiler(t *testing.T) {
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		_, _ = stdout.Write([]byte("not json\n"))
	}}
	w := New(0, newTestConfig(), fake, nil)

	err := w.EnsureStarted(context.Background())
	require.Error(t, err)

	var bad *BadCompiler
	require.ErrorAs(t, err, &bad)
}

func TestEnsureStarted_VersionLineMissingVersionFieldIsBadCompiler(t *testing.T) {
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		_, _ = stdout.Write([]byte("{}\n"))
	}}
	w := New(0, newTestConfig(), fake, nil)

	err := w.EnsureStarted(context.Background())
	require.Error(t, err)

	var bad *BadCompiler
	require.ErrorAs(t, err, &bad)
	assert.Empty(t, w.VersionString())
}

func TestEnsureStarted_VersionLineWithNonStringVersionIsBadCompiler(t *testing.T) {
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		_, _ = stdout.Write([]byte(`{"version":123}` + "\n"))
	}}
	w := New(0, newTestConfig(), fake, nil)

	err := w.EnsureStarted(context.Background())
	require.Error(t, err)

	var bad *BadCompiler
	require.ErrorAs(t, err, &bad)
}

func TestEnsureStarted_IsNoOpWhenAlreadyRunning(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)

	require.NoError(t, w.EnsureStarted(context.Background()))
	require.NoError(t, w.EnsureStarted(context.Background()))
	assert.Equal(t, 1, fake.SpawnCount())
}

func TestCompile_ReturnsBytecodeOnSuccess(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)
	require.NoError(t, w.EnsureStarted(context.Background()))

	resp, err := w.Compile(context.Background(), Request{Filename: "a.php", Source: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Bytecode)
	assert.Equal(t, uint64(1), w.Compilations())
}

func TestCompile_SpawnsLazilyWhenNotYetStarted(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)

	resp, err := w.Compile(context.Background(), Request{Filename: "a.php", Source: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Bytecode)
	assert.Equal(t, Running, w.State())
}

func TestCompile_OnErrorReplyStaysRunning(t *testing.T) {
	fake := &spawner.Fake{Behavior: erroringCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)
	require.NoError(t, w.EnsureStarted(context.Background()))

	_, err := w.Compile(context.Background(), Request{Filename: "a.php", Source: []byte("broken")})
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, Running, w.State(), "compile errors must not tear down the worker")
}

func TestCompile_UnknownReplyTypeIsCompileError(t *testing.T) {
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		ch, ok := fakeHandshake(stdin, stdout)
		if !ok {
			return
		}
		frame, err := ch.ReadFrame()
		if err != nil || frame.Header.Type != "code" {
			return
		}
		_ = ch.WriteFrame(protocol.Header{Type: "banana"}, nil)
	}}
	w := New(0, newTestConfig(), fake, nil)
	require.NoError(t, w.EnsureStarted(context.Background()))

	_, err := w.Compile(context.Background(), Request{Filename: "a.php", Source: []byte("x")})
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Contains(t, compileErr.Message, "unknown message type, banana")
	assert.Equal(t, Running, w.State())
}

func TestCompile_OnTransportFailureMarksUnstarted(t *testing.T) {
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		ch, ok := fakeHandshake(stdin, stdout)
		if !ok {
			return
		}
		// Exit immediately on the first compile frame without replying.
		_, _ = ch.ReadFrame()
		_ = stdout.Close()
	}}
	w := New(0, newTestConfig(), fake, nil)
	require.NoError(t, w.EnsureStarted(context.Background()))

	_, err := w.Compile(context.Background(), Request{Filename: "a.php", Source: []byte("x")})
	require.Error(t, err)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, Unstarted, w.State())
	assert.Equal(t, InvalidPID, w.Pid())
}

func TestDetachFromProcess_ResetsStateWithoutSignaling(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)
	require.NoError(t, w.EnsureStarted(context.Background()))

	w.DetachFromProcess()
	assert.Equal(t, Unstarted, w.State())
	assert.Equal(t, InvalidPID, w.Pid())
}

func TestStop_IsIdempotent(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)
	require.NoError(t, w.EnsureStarted(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)
	w.Stop(ctx)
	assert.Equal(t, Unstarted, w.State())
	assert.Equal(t, InvalidPID, w.Pid())
}

func TestRestartAfterCompilations_RespawnsOnceThresholdExceeded(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	cfg := newTestConfig()
	cfg.RestartAfterCompilations = 1
	w := New(0, cfg, fake, nil)
	require.NoError(t, w.EnsureStarted(context.Background()))

	_, err := w.Compile(context.Background(), Request{Filename: "a.php", Source: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.SpawnCount())

	// The second compile pushes the counter past the threshold of 1 but
	// still runs on the original subprocess; only the third compile sees
	// an exceeded counter and respawns first.
	_, err = w.Compile(context.Background(), Request{Filename: "b.php", Source: []byte("y")})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.SpawnCount())

	_, err = w.Compile(context.Background(), Request{Filename: "c.php", Source: []byte("z")})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.SpawnCount())
}

func TestEnsureVersion_StartsWorkerIfNeeded(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoCompilerBehavior()}
	w := New(0, newTestConfig(), fake, nil)

	v, err := w.EnsureVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake-compiler-1.0", v)
	assert.Equal(t, Running, w.State())
	assert.Equal(t, 1, fake.SpawnCount())
}

// md5EchoBehavior replies to every code frame with the md5 header value as
// the body, so tests can observe exactly what went out on the wire.
func md5EchoBehavior() func(stdin, stdout, stderr *os.File) {
	return func(stdin, stdout, stderr *os.File) {
		ch, ok := fakeHandshake(stdin, stdout)
		if !ok {
			return
		}
		for {
			frame, err := ch.ReadFrame()
			if err != nil {
				return
			}
			if frame.Header.Type != "code" {
				continue
			}
			_ = ch.WriteFrame(protocol.Header{Type: "hhas"}, []byte(frame.Header.String("md5")))
		}
	}
}

func TestCompile_SendsCallerSuppliedMD5(t *testing.T) {
	fake := &spawner.Fake{Behavior: md5EchoBehavior()}
	w := New(0, newTestConfig(), fake, nil)

	resp, err := w.Compile(context.Background(), Request{
		Filename: "a.php",
		Source:   []byte("x"),
		MD5:      "deadbeefdeadbeefdeadbeefdeadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeefdeadbeefdeadbeefdeadbeef"), resp.Bytecode)
}

func TestCompile_HashesSourceWhenMD5Empty(t *testing.T) {
	fake := &spawner.Fake{Behavior: md5EchoBehavior()}
	w := New(0, newTestConfig(), fake, nil)

	resp, err := w.Compile(context.Background(), Request{Filename: "a.php", Source: []byte("x")})
	require.NoError(t, err)

	sum := md5.Sum([]byte("x"))
	assert.Equal(t, hex.EncodeToString(sum[:]), string(resp.Bytecode))
}

func TestHandshake_SendsEmptyConfigBodiesWhenInheritOff(t *testing.T) {
	bodies := make(chan int, 2)
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		ch := protocol.NewChannel(stdout, stdin)
		if _, err := stdout.Write([]byte(`{"version":"fake-compiler-1.0"}` + "\n")); err != nil {
			return
		}
		if _, err := ch.ReadLine(); err != nil { // discard byte
			return
		}
		for i := 0; i < 2; i++ {
			frame, err := ch.ReadFrame()
			if err != nil {
				return
			}
			bodies <- frame.Header.Bytes
		}
	}}

	cfg := newTestConfig()
	cfg.InheritGlobalConfig = false
	w := New(0, cfg, fake, nil)

	require.NoError(t, w.EnsureStarted(context.Background()))
	assert.Equal(t, 0, <-bodies, "global config frame must carry no body when inheritance is off")
	assert.Equal(t, 0, <-bodies, "supplementary config frame must carry no body")
}
