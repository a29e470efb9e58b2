package runtime

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestHandle wires a Handle to an in-process net.Pipe standing in for
// the arbiter connection, and a plain guarded region backed by a byte
// slice (no real mmap, matching how internal/runtime's own tests avoid
// depending on a live shared file).
func newTestHandle(t *testing.T, memSize int) (*Handle, net.Conn) {
	t.Helper()
	clientSide, arbiterSide := net.Pipe()

	mem := make([]byte, memSize)
	region := newRegion(mem, guardedSource{}, func() error { return nil })

	h := &Handle{
		pid:    1001,
		conn:   newFrameConn(clientSide),
		log:    slog.Default(),
		region: region,
		gidCh:  make(chan int32, 1),
		cntCh:  make(chan struct{}, 1),
		semCh:  make(chan struct{}, 1),
		synAck: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	go h.readLoop()

	t.Cleanup(func() {
		clientSide.Close()
		arbiterSide.Close()
	})

	return h, arbiterSide
}

func recvFrame(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	buf := make([]byte, protocol.FrameSize)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	msg, err := protocol.Unpack(buf)
	require.NoError(t, err)
	return msg
}

func sendFrame(t *testing.T, conn net.Conn, m protocol.Message) {
	t.Helper()
	frame, err := protocol.Pack(m)
	require.NoError(t, err)
	_, err = conn.Write(frame[:])
	require.NoError(t, err)
}

func TestWriteAtHandshake(t *testing.T) {
	h, arb := newTestHandle(t, protocol.PageSize)

	done := make(chan error, 1)
	go func() {
		_, err := h.WriteAt([]byte("hello"), 0)
		done <- err
	}()

	req := recvFrame(t, arb)
	assert.Equal(t, protocol.KindSynReq, req.Kind)
	assert.EqualValues(t, 1001, req.PID)
	assert.EqualValues(t, 0, req.Offset)
	assert.EqualValues(t, 5, req.Length)

	sendFrame(t, arb, protocol.Message{Kind: protocol.KindSynAck, PID: req.PID})

	wrt := recvFrame(t, arb)
	assert.Equal(t, protocol.KindWrtData, wrt.Kind)
	assert.Equal(t, []byte("hello"), wrt.Payload)

	ack := recvFrame(t, arb)
	assert.Equal(t, protocol.KindSynAck, ack.Kind)

	require.NoError(t, <-done)
	assert.Equal(t, []byte("hello"), h.region.mem[:5])
}

func TestBarrierWaitsForResume(t *testing.T) {
	h, arb := newTestHandle(t, protocol.PageSize)

	done := make(chan error, 1)
	go func() { done <- h.Barrier() }()

	hit := recvFrame(t, arb)
	assert.Equal(t, protocol.KindHitBar, hit.Kind)

	select {
	case err := <-done:
		t.Fatalf("barrier returned early: %v", err)
	default:
	}

	sendFrame(t, arb, protocol.Message{Kind: protocol.KindCntAll})
	require.NoError(t, <-done)
}

func TestPostSemEmptyNameRejected(t *testing.T) {
	h, _ := newTestHandle(t, protocol.PageSize)
	err := h.PostSem("")
	assert.ErrorIs(t, err, dsmerr.ErrArgument)
}

func TestWaitSemDeliversOnMatchingPID(t *testing.T) {
	h, arb := newTestHandle(t, protocol.PageSize)

	done := make(chan error, 1)
	go func() { done <- h.WaitSem("turnstile") }()

	req := recvFrame(t, arb)
	assert.Equal(t, protocol.KindWaitSem, req.Kind)
	assert.Equal(t, "turnstile", req.SemName)

	sendFrame(t, arb, protocol.Message{Kind: protocol.KindPostSem, PID: req.PID})
	require.NoError(t, <-done)
}

func TestExitIsIdempotentlyRejected(t *testing.T) {
	h, arb := newTestHandle(t, protocol.PageSize)

	done := make(chan error, 1)
	go func() { done <- h.Exit() }()

	hit := recvFrame(t, arb)
	assert.Equal(t, protocol.KindHitBar, hit.Kind)
	sendFrame(t, arb, protocol.Message{Kind: protocol.KindCntAll})

	exit := recvFrame(t, arb)
	assert.Equal(t, protocol.KindExit, exit.Kind)

	require.NoError(t, <-done)

	err := h.Exit()
	assert.ErrorIs(t, err, dsmerr.ErrState)
}
