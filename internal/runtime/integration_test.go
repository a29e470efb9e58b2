package runtime_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dsm/internal/arbiter"
	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
	"github.com/ocx/dsm/internal/runtime"
)

// newTestArbiter starts a real arbiter (real shared file, real TCP
// listener) for nproc participants and returns its address and the shared
// file path, so these tests exercise the whole stack rather than mocking
// either side.
func newTestArbiter(t *testing.T, nproc uint) (addr, shmPath string) {
	t.Helper()
	shmPath = filepath.Join(t.TempDir(), "test.shm")
	a, err := arbiter.New(arbiter.Config{
		NProc:          nproc,
		SIDName:        "integration-test",
		MapSize:        protocol.PageSize,
		ListenAddr:     "127.0.0.1:0",
		SharedFilePath: shmPath,
	}, nil)
	require.NoError(t, err)
	go func() { _ = a.Run() }()
	return a.Addr(), shmPath
}

func initClient(t *testing.T, addr, shmPath string, nproc uint) (*runtime.Handle, *runtime.Region) {
	t.Helper()
	h, r, err := runtime.Init(runtime.Config{
		NProc:               nproc,
		SIDName:             "integration-test",
		MapSize:             protocol.PageSize,
		ArbiterAddr:         addr,
		SharedFilePath:      shmPath,
		ConnectPollAttempts: 10,
		ConnectPollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return h, r
}

type initResult struct {
	h *runtime.Handle
	r *runtime.Region
}

// initClientsConcurrently checks in every participant at once. Init blocks
// until the whole cohort (nproc participants) has checked in, so calling it
// sequentially for a multi-participant cohort would deadlock the first
// caller waiting on check-ins that haven't happened yet.
func initClientsConcurrently(t *testing.T, addr, shmPath string, nproc uint) []initResult {
	t.Helper()
	results := make([]initResult, nproc)
	done := make(chan struct{}, nproc)
	for i := range results {
		i := i
		go func() {
			h, r := initClient(t, addr, shmPath, nproc)
			results[i] = initResult{h: h, r: r}
			done <- struct{}{}
		}()
	}
	for range results {
		<-done
	}
	return results
}

// TestPingPongSemaphoreHandoff reproduces the reference ping-pong scenario
// (original_source/examples/pingpong_semaphore.c): two participants take
// turns writing into the region and handing control to each other with a
// pair of named semaphores, each side only ever observing writes the other
// side has published.
func TestPingPongSemaphoreHandoff(t *testing.T) {
	addr, shmPath := newTestArbiter(t, 2)

	results := initClientsConcurrently(t, addr, shmPath, 2)
	ping, pingRegion := results[0].h, results[0].r
	pong, pongRegion := results[1].h, results[1].r

	done := make(chan struct{})
	go func() {
		defer close(done)

		// ping writes first, then hands off.
		_, err := ping.WriteAt([]byte("ping"), 0)
		assert.NoError(t, err)
		assert.NoError(t, ping.PostSem("turn"))

		// wait for pong's reply, then read it.
		assert.NoError(t, ping.WaitSem("done"))
		buf := make([]byte, 4)
		_, err = pingRegion.ReadAt(buf, 0)
		assert.NoError(t, err)
		assert.Equal(t, "pong", string(buf))

		assert.NoError(t, ping.Exit())
	}()

	require.NoError(t, pong.WaitSem("turn"))
	buf := make([]byte, 4)
	_, err := pongRegion.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	_, err = pong.WriteAt([]byte("pong"), 0)
	require.NoError(t, err)
	require.NoError(t, pong.PostSem("done"))
	require.NoError(t, pong.Exit())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ping-pong handoff never completed")
	}
}

// TestSingleWriterMultipleReadersObserveRelayedWrite checks that a write
// from one participant is relayed to every other checked-in participant,
// without either reader issuing a write of its own.
func TestSingleWriterMultipleReadersObserveRelayedWrite(t *testing.T) {
	addr, shmPath := newTestArbiter(t, 3)

	results := initClientsConcurrently(t, addr, shmPath, 3)
	writer := results[0].h
	reader1, region1 := results[1].h, results[1].r
	reader2, region2 := results[2].h, results[2].r

	_, err := writer.WriteAt([]byte("data"), 0)
	require.NoError(t, err)

	// The arbiter releases the barrier only after handling the writer's
	// WRT_DATA, which precedes its HIT_BAR on the writer's connection, and
	// each reader receives the relayed WRT_DATA ahead of the release on its
	// own connection, so once every Barrier has returned both readers have
	// applied the write. Barrier blocks until all three have called it, so
	// the calls run concurrently.
	barrierErrs := make(chan error, 3)
	for _, h := range []*runtime.Handle{writer, reader1, reader2} {
		h := h
		go func() { barrierErrs <- h.Barrier() }()
	}
	require.NoError(t, <-barrierErrs)
	require.NoError(t, <-barrierErrs)
	require.NoError(t, <-barrierErrs)

	buf1 := make([]byte, 4)
	_, err = region1.ReadAt(buf1, 0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf1))

	buf2 := make([]byte, 4)
	_, err = region2.ReadAt(buf2, 0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf2))

	// Exit enters a final barrier, so the three calls also run concurrently.
	exitErrs := make(chan error, 3)
	for _, h := range []*runtime.Handle{writer, reader1, reader2} {
		h := h
		go func() { exitErrs <- h.Exit() }()
	}
	require.NoError(t, <-exitErrs)
	require.NoError(t, <-exitErrs)
	require.NoError(t, <-exitErrs)
}

// TestInitFailsWithUnavailableWhenArbiterNeverAppears exercises spec.md
// §4.2 step 2's connect-retry budget: Init must give up with
// dsmerr.ErrUnavailable rather than block forever when no arbiter is
// listening on the configured address.
func TestInitFailsWithUnavailableWhenArbiterNeverAppears(t *testing.T) {
	_, _, err := runtime.Init(runtime.Config{
		NProc:               1,
		SIDName:             "nobody-home",
		MapSize:             protocol.PageSize,
		ArbiterAddr:         "127.0.0.1:1", // nothing listens on this port
		ConnectPollAttempts: 2,
		ConnectPollInterval: 10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, dsmerr.ErrUnavailable)
}
