package pool

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrisukhani/hhvm/pkg/config"
	"github.com/shrisukhani/hhvm/pkg/protocol"
	"github.com/shrisukhani/hhvm/pkg/spawner"
	"github.com/shrisukhani/hhvm/pkg/worker"
)

func echoBehavior(stdin, stdout, stderr *os.File) {
	ch := protocol.NewChannel(stdout, stdin)
	if _, err := stdout.Write([]byte(`{"version":"fake-1.0"}` + "\n")); err != nil {
		return
	}
	if _, err := ch.ReadLine(); err != nil { // discard byte
		return
	}
	if _, err := ch.ReadFrame(); err != nil { // global config
		return
	}
	if _, err := ch.ReadFrame(); err != nil { // supplementary config
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

func testConfig(workers int) *config.Config {
	cfg := config.Default()
	cfg.WorkerCount = workers
	cfg.Command = []string{"fake-compiler"}
	return cfg
}

func TestNew_DisabledConfigReturnsErrDisabled(t *testing.T) {
	cfg := config.Default() // zero workers, no command
	_, err := New("test", cfg, &spawner.Fake{Behavior: echoBehavior})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestStart_AbortsOnBadCompilerFromHandshake(t *testing.T) {
	fake := &spawner.Fake{Behavior: func(stdin, stdout, stderr *os.File) {
		_, _ = stdout.Write([]byte("not json\n"))
	}}
	p, err := New("test", testConfig(2), fake)
	require.NoError(t, err)

	err = p.Start(context.Background())
	require.Error(t, err)

	var bad *worker.BadCompiler
	require.ErrorAs(t, err, &bad)
}

func TestStart_SpawnsEveryWorker(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(3), fake)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 3, fake.SpawnCount())
	assert.Equal(t, 3, p.Size())
}

func TestAcquire_BlocksWhenExhaustedThenUnblocksOnRelease(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(1), fake)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		lease2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		close(acquired)
		lease2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should have blocked while the only slot was leased")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked after Release")
	}
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(1), fake)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	_, err = p.Acquire(context.Background()) // take the only slot
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
}

func TestGuard_AlwaysReleasesEvenOnError(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(1), fake)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	err = p.Guard(context.Background(), func(w *worker.Worker) error {
		return assert.AnError
	})
	require.Error(t, err)

	// If Guard had leaked the lease, this would block forever.
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
}

func TestAcquire_NoSlotIsHandedOutTwiceConcurrently(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(2), fake)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	seen := make(map[int]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			seen[lease.Worker().ID()]++
			mu.Unlock()
			time.Sleep(time.Millisecond)
			lease.Release()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 2)
}

func TestShutdown_StopsEveryWorker(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(2), fake)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	p.Shutdown(context.Background())
	for _, w := range p.all {
		assert.Equal(t, worker.Unstarted, w.State())
		assert.Equal(t, 0, int(w.Compilations()))
	}
}

func TestStart_CachesVersionFromFirstWorker(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(2), fake)
	require.NoError(t, err)

	assert.Empty(t, p.Version())
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, "fake-1.0", p.Version())
}

func TestDetachAfterFork_LeavesSubprocessesUnsignaled(t *testing.T) {
	fake := &spawner.Fake{Behavior: echoBehavior}
	p, err := New("test", testConfig(2), fake)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	p.DetachAfterFork()
	for _, w := range p.all {
		assert.Equal(t, worker.Unstarted, w.State())
		assert.Equal(t, worker.InvalidPID, w.Pid())
	}
}
