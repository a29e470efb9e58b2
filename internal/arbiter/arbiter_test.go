package arbiter

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ocx/dsm/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawClient is a minimal test double for internal/runtime.Handle: it
// speaks the wire protocol directly so arbiter tests don't depend on the
// client package.
type rawClient struct {
	t    *testing.T
	pid  int32
	conn net.Conn
}

func dialRawClient(t *testing.T, addr string, pid int32) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	return &rawClient{t: t, pid: pid, conn: conn}
}

func (c *rawClient) send(m protocol.Message) {
	c.t.Helper()
	frame, err := protocol.Pack(m)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame[:])
	require.NoError(c.t, err)
}

func (c *rawClient) recv() protocol.Message {
	c.t.Helper()
	buf := make([]byte, protocol.FrameSize)
	_, err := io.ReadFull(c.conn, buf)
	require.NoError(c.t, err)
	msg, err := protocol.Unpack(buf)
	require.NoError(c.t, err)
	return msg
}

// addPID sends ADD_PID without waiting for SET_GID: the arbiter defers
// SET_GID until the whole cohort has checked in, so a test with more than
// one client must issue every addPID before any awaitGID.
func (c *rawClient) addPID() {
	c.send(protocol.Message{Kind: protocol.KindAddPID, PID: c.pid})
}

func (c *rawClient) awaitGID() int32 {
	msg := c.recv()
	require.Equal(c.t, protocol.KindSetGID, msg.Kind)
	return msg.GID
}

// checkIn is addPID+awaitGID in one call, only valid when this client is
// the last (or only) member of the cohort to check in.
func (c *rawClient) checkIn() int32 {
	c.addPID()
	return c.awaitGID()
}

func newTestArbiter(t *testing.T, nproc uint) *Arbiter {
	t.Helper()
	dir := t.TempDir()
	a, err := New(Config{
		NProc:          nproc,
		SIDName:        "test-session",
		MapSize:        protocol.PageSize,
		ListenAddr:     "127.0.0.1:0",
		SharedFilePath: filepath.Join(dir, "test.shm"),
	}, nil)
	require.NoError(t, err)
	go func() { _ = a.Run() }()
	t.Cleanup(func() { os.Remove(filepath.Join(dir, "test.shm")) })
	return a
}

func TestCheckInAssignsDenseGIDs(t *testing.T) {
	a := newTestArbiter(t, 2)

	c0 := dialRawClient(t, a.Addr(), 100)
	c1 := dialRawClient(t, a.Addr(), 101)
	c0.addPID()
	c1.addPID()
	gid0 := c0.awaitGID()
	gid1 := c1.awaitGID()

	assert.ElementsMatch(t, []int32{0, 1}, []int32{gid0, gid1})
}

func TestCohortOverflowRejected(t *testing.T) {
	a := newTestArbiter(t, 1)

	c0 := dialRawClient(t, a.Addr(), 100)
	c0.checkIn()

	c1 := dialRawClient(t, a.Addr(), 101)
	c1.send(protocol.Message{Kind: protocol.KindAddPID, PID: 101})

	// The arbiter logs and drops the over-quota connection rather than
	// replying; the client observes EOF.
	buf := make([]byte, protocol.FrameSize)
	c1.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(c1.conn, buf)
	assert.Error(t, err)
}

func TestBarrierReleasesOnceEveryoneArrives(t *testing.T) {
	a := newTestArbiter(t, 2)

	c0 := dialRawClient(t, a.Addr(), 100)
	c1 := dialRawClient(t, a.Addr(), 101)
	c0.addPID()
	c1.addPID()
	c0.awaitGID()
	c1.awaitGID()

	c0.send(protocol.Message{Kind: protocol.KindHitBar, PID: 100})

	done := make(chan protocol.Message, 1)
	go func() { done <- c1.recv() }()

	select {
	case <-done:
		t.Fatal("barrier released before every participant arrived")
	case <-time.After(200 * time.Millisecond):
	}

	c1.send(protocol.Message{Kind: protocol.KindHitBar, PID: 101})

	msg := <-done
	assert.Equal(t, protocol.KindCntAll, msg.Kind)

	released := c0.recv()
	assert.Equal(t, protocol.KindCntAll, released.Kind)
}

func TestSemaphoreWaitBlocksUntilPost(t *testing.T) {
	a := newTestArbiter(t, 2)

	c0 := dialRawClient(t, a.Addr(), 100)
	c1 := dialRawClient(t, a.Addr(), 101)
	c0.addPID()
	c1.addPID()
	c0.awaitGID()
	c1.awaitGID()

	c0.send(protocol.Message{Kind: protocol.KindWaitSem, PID: 100, SemName: "mutex"})

	done := make(chan protocol.Message, 1)
	go func() { done <- c0.recv() }()

	select {
	case <-done:
		t.Fatal("WAIT_SEM returned before any POST_SEM")
	case <-time.After(200 * time.Millisecond):
	}

	c1.send(protocol.Message{Kind: protocol.KindPostSem, PID: 101, SemName: "mutex"})

	msg := <-done
	assert.Equal(t, protocol.KindPostSem, msg.Kind)
	assert.Equal(t, "mutex", msg.SemName)
}

func TestCoherenceRoundPausesPeersAndRelaysWrite(t *testing.T) {
	a := newTestArbiter(t, 2)

	writer := dialRawClient(t, a.Addr(), 100)
	reader := dialRawClient(t, a.Addr(), 101)
	writer.addPID()
	reader.addPID()
	writer.awaitGID()
	reader.awaitGID()

	writer.send(protocol.Message{Kind: protocol.KindSynReq, PID: 100, Offset: 0, Length: 5})

	stp := reader.recv()
	assert.Equal(t, protocol.KindStpAll, stp.Kind)

	ack := writer.recv()
	assert.Equal(t, protocol.KindSynAck, ack.Kind)

	writer.send(protocol.Message{Kind: protocol.KindWrtData, PID: 100, Offset: 0, Length: 5, Payload: []byte("hello")})

	wrt := reader.recv()
	assert.Equal(t, protocol.KindWrtData, wrt.Kind)
	assert.Equal(t, []byte("hello"), wrt.Payload)

	writer.send(protocol.Message{Kind: protocol.KindSynAck, PID: 100})

	cnt := reader.recv()
	assert.Equal(t, protocol.KindCntAll, cnt.Kind)
}
