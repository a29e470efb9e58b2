package runtime

import (
	"fmt"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
)

// WriteAt captures p into the region at off and publishes the change to
// the rest of the cohort before returning, per spec.md §4.2's write-capture
// sequence:
//
//  1. SYN_REQ to the arbiter, naming the range this process is about to
//     touch.
//  2. block for SYN_ACK: the arbiter has already sent STP_ALL to every
//     other participant (it does not wait for them to confirm the pause).
//  3. capture the write locally (DirtyPageSource.Capture).
//  4. WRT_DATA to the arbiter, which relays it to every paused peer.
//  5. SYN_ACK back to the arbiter, meaning "the round may end"; the
//     arbiter broadcasts CNT_ALL to resume everyone else.
//
// KindSynAck is reused for both directions of this handshake (arbiter's
// "proceed" and the client's own "done") since spec.md's message vocabulary
// has no separate kind for each half.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.checkAlive(); err != nil {
		return 0, err
	}
	if err := h.region.boundsCheck(off, len(p)); err != nil {
		return 0, err
	}

	if err := h.conn.send(protocol.Message{
		Kind:   protocol.KindSynReq,
		PID:    h.pid,
		Offset: uint64(off),
		Length: uint32(len(p)),
	}); err != nil {
		h.abort(err)
		return 0, err
	}

	if err := h.awaitSynAck(); err != nil {
		return 0, err
	}

	// Hold pauseMu for read across the capture: servicePause takes it
	// exclusively for the STP_ALL..CNT_ALL window, so no application
	// instruction can execute concurrently with a peer's paused round
	// (spec.md §4.2 Pause/resume).
	h.pauseMu.RLock()
	err := h.region.source.Capture(h.region.mem, int(off), len(p), func() {
		copy(h.region.mem[off:], p)
	})
	h.pauseMu.RUnlock()
	if err != nil {
		return 0, err
	}

	if err := h.conn.send(protocol.Message{
		Kind:    protocol.KindWrtData,
		PID:     h.pid,
		Offset:  uint64(off),
		Length:  uint32(len(p)),
		Payload: p,
	}); err != nil {
		h.abort(err)
		return 0, err
	}

	if err := h.conn.send(protocol.Message{Kind: protocol.KindSynAck, PID: h.pid}); err != nil {
		h.abort(err)
		return 0, err
	}

	return len(p), nil
}

func (h *Handle) awaitSynAck() error {
	select {
	case <-h.synAck:
		return nil
	case <-h.doneCh:
		return h.lastErr()
	}
}

// Barrier blocks until every process in the cohort has called Barrier,
// per spec.md §4.2's BAR primitive: HIT_BAR to the arbiter, then wait for
// the arbiter's standalone CNT_ALL once the last participant has arrived.
func (h *Handle) Barrier() error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	if err := h.conn.send(protocol.Message{Kind: protocol.KindHitBar, PID: h.pid}); err != nil {
		h.abort(err)
		return err
	}
	select {
	case <-h.cntCh:
		return nil
	case <-h.doneCh:
		return h.lastErr()
	}
}

// PostSem increments the named semaphore.
func (h *Handle) PostSem(name string) error {
	if name == "" {
		return fmt.Errorf("%w: semaphore name must not be empty", dsmerr.ErrArgument)
	}
	if err := h.checkAlive(); err != nil {
		return err
	}
	if err := h.conn.send(protocol.Message{Kind: protocol.KindPostSem, PID: h.pid, SemName: name}); err != nil {
		h.abort(err)
		return err
	}
	return nil
}

// WaitSem blocks until the named semaphore has a positive count, then
// decrements it. The arbiter only replies (POST_SEM, addressed back to
// this pid) once the decrement has actually happened; see MODULE:ARBITER.
func (h *Handle) WaitSem(name string) error {
	if name == "" {
		return fmt.Errorf("%w: semaphore name must not be empty", dsmerr.ErrArgument)
	}
	if err := h.checkAlive(); err != nil {
		return err
	}
	if err := h.conn.send(protocol.Message{Kind: protocol.KindWaitSem, PID: h.pid, SemName: name}); err != nil {
		h.abort(err)
		return err
	}
	select {
	case <-h.semCh:
		return nil
	case <-h.doneCh:
		return h.lastErr()
	}
}

// Exit leaves the cohort: it waits at a final barrier so no peer observes
// this process vanish mid-round, tells the arbiter it is leaving, and
// releases the mapped region. Calling Exit twice returns ErrState.
func (h *Handle) Exit() error {
	h.stateMu.Lock()
	if h.exited {
		h.stateMu.Unlock()
		return fmt.Errorf("%w: handle already exited", dsmerr.ErrState)
	}
	h.exited = true
	h.stateMu.Unlock()

	// The final barrier is sent directly rather than through Barrier, whose
	// checkAlive would already reject this handle as exited.
	barrierErr := h.conn.send(protocol.Message{Kind: protocol.KindHitBar, PID: h.pid})
	if barrierErr == nil {
		select {
		case <-h.cntCh:
		case <-h.doneCh:
			barrierErr = h.lastErr()
		}
	}

	sendErr := h.conn.send(protocol.Message{Kind: protocol.KindExit, PID: h.pid})

	closeErr := h.conn.Close()
	unmapErr := h.region.onClose()

	for _, err := range []error{barrierErr, sendErr, closeErr, unmapErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) checkAlive() error {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if h.exited {
		return fmt.Errorf("%w: handle already exited", dsmerr.ErrState)
	}
	return nil
}
