package runtime

import (
	"errors"
	"strconv"

	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
)

// readLoop owns all reads from the arbiter connection for the lifetime of
// the Handle. It is the only goroutine that ever calls h.conn.recv, which
// keeps per-connection delivery order intact (spec.md §5).
func (h *Handle) readLoop() {
	for {
		msg, err := h.conn.recv()
		if err != nil {
			h.log.Error("lost connection to arbiter", "error", err)
			h.abort(err)
			return
		}
		if err := h.dispatch(msg); err != nil {
			h.abort(err)
			return
		}
	}
}

// dispatch handles one frame received outside of an active STP_ALL pause.
func (h *Handle) dispatch(msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindSetGID:
		if msg.PID != h.pid {
			return protoMismatch("SET_GID", msg)
		}
		h.gidCh <- msg.GID
		return nil

	case protocol.KindPostSem:
		if msg.PID != h.pid {
			return protoMismatch("POST_SEM", msg)
		}
		select {
		case h.semCh <- struct{}{}:
		default:
		}
		return nil

	case protocol.KindSynAck:
		select {
		case h.synAck <- struct{}{}:
		default:
		}
		return nil

	case protocol.KindCntAll:
		// A standalone CNT_ALL (not preceded by STP_ALL on this
		// connection) lifts a barrier; see Handle.Barrier.
		select {
		case h.cntCh <- struct{}{}:
		default:
		}
		return nil

	case protocol.KindWrtData:
		return h.region.applyRemote(msg.Offset, msg.Payload)

	case protocol.KindStpAll:
		return h.servicePause()

	default:
		return errors.New("dsm: unexpected message kind " + msg.Kind.String() + " at client: " + dsmerr.ErrProtocol.Error())
	}
}

// servicePause implements spec.md §9's "process suspension via stop
// signals" design note: instead of self-stopping, the client enters a
// tight state where only the control socket is serviced, applying any
// WRT_DATA that arrives (the whole point of the pause is to let the
// initiator's write land everywhere) until CNT_ALL ends the round. The
// pauseMu write-lock blocks every concurrent Handle.WriteAt from this
// process for the duration, so no application instruction touching the
// region executes between STP_ALL and CNT_ALL.
func (h *Handle) servicePause() error {
	h.pauseMu.Lock()
	defer h.pauseMu.Unlock()

	for {
		msg, err := h.conn.recv()
		if err != nil {
			return err
		}
		switch msg.Kind {
		case protocol.KindWrtData:
			if err := h.region.applyRemote(msg.Offset, msg.Payload); err != nil {
				return err
			}
		case protocol.KindCntAll:
			return nil
		default:
			return errors.New("dsm: unexpected message kind " + msg.Kind.String() + " during pause: " + dsmerr.ErrProtocol.Error())
		}
	}
}

func protoMismatch(kind string, msg protocol.Message) error {
	return errors.New("dsm: " + kind + " pid mismatch: " + dsmerr.ErrProtocol.Error() + ": got " + strconv.Itoa(int(msg.PID)))
}
