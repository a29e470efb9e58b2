package daemon

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	go func() { _ = d.Run() }()
	t.Cleanup(func() { d.Close() })
	return d
}

func dial(t *testing.T, addr string) *lineCodec {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return newLineCodec(conn)
}

func TestCohortReadyOnceRegisteredTotalReached(t *testing.T) {
	d := newTestDaemon(t)
	addr := d.listener.Addr().String()

	a1 := dial(t, addr)
	require.NoError(t, a1.send(Message{Kind: KindRegister, SIDName: "sess", ArbiterID: "a1", NProcLocal: 2, GlobalNProc: 4}))

	a2 := dial(t, addr)
	require.NoError(t, a2.send(Message{Kind: KindRegister, SIDName: "sess", ArbiterID: "a2", NProcLocal: 2, GlobalNProc: 4}))

	done := make(chan Message, 1)
	go func() {
		msg, err := a2.recv()
		require.NoError(t, err)
		done <- msg
	}()

	select {
	case msg := <-done:
		assert.Equal(t, KindReady, msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never reported cohort ready")
	}
}

func TestBarrierReleaseWaitsForEveryArbiter(t *testing.T) {
	d := newTestDaemon(t)
	addr := d.listener.Addr().String()

	a1 := dial(t, addr)
	require.NoError(t, a1.send(Message{Kind: KindRegister, SIDName: "sess", ArbiterID: "a1", NProcLocal: 1, GlobalNProc: 2}))

	a2 := dial(t, addr)
	require.NoError(t, a2.send(Message{Kind: KindRegister, SIDName: "sess", ArbiterID: "a2", NProcLocal: 1, GlobalNProc: 2}))

	// KindReady reaches both arbiters only once the second registration
	// brings the total to GlobalNProc.
	_, err := a1.recv() // consume KindReady
	require.NoError(t, err)
	_, err = a2.recv()
	require.NoError(t, err)

	require.NoError(t, a1.send(Message{Kind: KindHitBar, SIDName: "sess"}))

	done := make(chan Message, 1)
	go func() {
		msg, err := a2.recv()
		require.NoError(t, err)
		done <- msg
	}()

	select {
	case <-done:
		t.Fatal("barrier released before every arbiter reported HIT_BAR")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, a2.send(Message{Kind: KindHitBar, SIDName: "sess"}))

	msg := <-done
	assert.Equal(t, KindBarRelease, msg.Kind)
}
