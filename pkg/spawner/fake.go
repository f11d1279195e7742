package spawner

import (
	"context"
	"os"
	"sync"
	"syscall"
)

// Fake is a ProcessSpawner for tests: instead of exec'ing the command, it
// invokes Behavior against the three files handed to it, simulating a
// compiler subprocess in-process over the same pipes the real worker uses.
// This lets pkg/worker and pkg/pool tests exercise the wire protocol
// without a real compiler binary or even a real subprocess.
type Fake struct {
	// Behavior runs in its own goroutine for each Spawn call. It should
	// read from stdin and write to stdout/stderr exactly as a real
	// compiler subprocess would, then return when it "exits".
	Behavior func(stdin, stdout, stderr *os.File)

	mu           sync.Mutex
	spawned      int
	lastUsername string
}

func (f *Fake) Spawn(_ context.Context, _ []string, username string, stdin, stdout, stderr *os.File) (Handle, error) {
	// A real spawner dups the remote pipe halves into the child, so the
	// parent closing its copies right after Spawn doesn't disturb the
	// subprocess. There is no fork here, so dup explicitly: Behavior must
	// own descriptors the caller's CloseRemote can't touch.
	in, err := dupFile(stdin)
	if err != nil {
		return nil, err
	}
	out, err := dupFile(stdout)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	errFile, err := dupFile(stderr)
	if err != nil {
		_ = in.Close()
		_ = out.Close()
		return nil, err
	}

	f.mu.Lock()
	f.spawned++
	pid := f.spawned
	f.lastUsername = username
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Closing the dups when Behavior returns is the fake's "process
		// exit": the worker's local pipe ends see EOF just as they would
		// when a real subprocess dies.
		defer func() {
			_ = in.Close()
			_ = out.Close()
			_ = errFile.Close()
		}()
		if f.Behavior != nil {
			f.Behavior(in, out, errFile)
		}
	}()
	return &fakeHandle{pid: pid, done: done}, nil
}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// SpawnCount reports how many times Spawn has been called.
func (f *Fake) SpawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
}

// LastUsername reports the username passed to the most recent Spawn call.
func (f *Fake) LastUsername() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUsername
}

type fakeHandle struct {
	pid  int
	done chan struct{}
}

func (h *fakeHandle) Pid() int               { return h.pid }
func (h *fakeHandle) Signal(os.Signal) error { return nil }

func (h *fakeHandle) Wait(ctx context.Context) (*os.ProcessState, error) {
	select {
	case <-h.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
