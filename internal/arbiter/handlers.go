package arbiter

import (
	"fmt"
	"net"

	"github.com/ocx/dsm/internal/daemon"
	"github.com/ocx/dsm/internal/dsmerr"
	"github.com/ocx/dsm/internal/protocol"
)

// handleMessage processes one frame from conn, already known to belong to
// pid once ADD_PID has been seen (pid is 0 before that, which is fine: the
// only message kind legally sent before check-in is ADD_PID itself).
func (a *Arbiter) handleMessage(conn net.Conn, pid int32, msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindAddPID:
		return a.onAddPID(conn, msg.PID)
	case protocol.KindHitBar:
		return a.onHitBar(pid)
	case protocol.KindWaitSem:
		return a.onWaitSem(pid, msg.SemName)
	case protocol.KindPostSem:
		if a.daemon != nil {
			// Best-effort relay so waiters on other hosts can be woken; the
			// daemon does not echo the post back to this arbiter.
			if err := a.daemon.PostSem(a.cfg.SIDName, msg.SemName); err != nil {
				a.log.Warn("relaying POST_SEM to daemon", "sem", msg.SemName, "error", err)
			}
		}
		return a.onPostSem(msg.SemName)
	case protocol.KindSynReq:
		return a.onSynReq(pid, msg)
	case protocol.KindWrtData:
		return a.onWrtData(pid, msg)
	case protocol.KindSynAck:
		return a.onSynAckDone(pid)
	case protocol.KindExit:
		return a.onExit(pid)
	default:
		return fmt.Errorf("%w: unexpected message kind %v from pid %d", dsmerr.ErrProtocol, msg.Kind, pid)
	}
}

// onAddPID checks a client into the cohort but does not answer it yet: per
// spec.md §3 the arbiter accepts exactly nproc check-ins before unblocking
// the session, and §4.3's Check-in step defers SET_GID until the cohort is
// complete. A client's blocking receive on SET_GID (spec.md §4.2 step 5) is
// how it learns the whole local cohort — and, when a daemon is configured,
// the whole cross-host cohort — has checked in.
func (a *Arbiter) onAddPID(conn net.Conn, pid int32) error {
	if uint(len(a.clients)) >= a.cfg.NProc {
		return fmt.Errorf("%w: cohort already has %d members, rejecting pid %d", dsmerr.ErrFatal, a.cfg.NProc, pid)
	}
	gid := a.nextGID
	a.nextGID++

	c := &client{pid: pid, gid: gid, conn: conn}
	a.clients[pid] = c
	a.met.ClientsJoined.Inc()
	a.met.ClientsActive.Set(float64(a.activeCount()))
	a.log.Info("client checked in", "pid", pid, "gid", gid)

	if !a.cohortComplete() {
		return nil
	}
	if a.daemon != nil && !a.daemonReady {
		a.log.Info("local cohort complete, awaiting cross-host cohort")
		return nil
	}
	return a.broadcastSetGID()
}

func (a *Arbiter) cohortComplete() bool {
	return uint(len(a.clients)) >= a.cfg.NProc
}

func (a *Arbiter) broadcastSetGID() error {
	for pid, c := range a.clients {
		if err := a.send(c.conn, protocol.Message{Kind: protocol.KindSetGID, PID: pid, GID: c.gid}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Arbiter) activeCount() int {
	n := 0
	for _, c := range a.clients {
		if !c.exited {
			n++
		}
	}
	return n
}

// onHitBar implements spec.md §4.3's barrier primitive: a single shared
// counter of distinct pids that have hit the barrier since it was last
// released; once every checked-in client has hit it, CNT_ALL is broadcast
// and the counter resets.
func (a *Arbiter) onHitBar(pid int32) error {
	a.barrierHit[pid] = true
	if len(a.barrierHit) < int(a.cfg.NProc) {
		a.met.BarrierHits.WithLabelValues("waiting").Inc()
		return nil
	}
	a.met.BarrierHits.WithLabelValues("released").Inc()
	a.barrierHit = make(map[int32]bool)
	if a.daemon != nil {
		// Cross-host: this arbiter's local cohort has hit the barrier, but
		// CNT_ALL must wait for every other host's cohort too. Report and
		// return without blocking this goroutine; onDaemonBarRelease
		// performs the actual broadcast once the daemon confirms every
		// arbiter is in (handled asynchronously via daemonEvents, never a
		// synchronous call from here).
		return a.daemon.HitBarrier(a.cfg.SIDName)
	}
	return a.broadcast(protocol.Message{Kind: protocol.KindCntAll})
}

// onDaemonBarRelease fires once the daemon confirms every host's cohort has
// hit this barrier (daemon.KindBarRelease).
func (a *Arbiter) onDaemonBarRelease() error {
	return a.broadcast(protocol.Message{Kind: protocol.KindCntAll})
}

func (a *Arbiter) onWaitSem(pid int32, name string) error {
	c, ok := a.clients[pid]
	if !ok {
		return fmt.Errorf("%w: WAIT_SEM from unknown pid %d", dsmerr.ErrProtocol, pid)
	}
	if ready := a.sems.wait(name, pid); ready {
		a.met.SemWaits.WithLabelValues("immediate").Inc()
		return a.send(c.conn, protocol.Message{Kind: protocol.KindPostSem, PID: pid, SemName: name})
	}
	a.met.SemWaits.WithLabelValues("blocked").Inc()
	return nil
}

func (a *Arbiter) onPostSem(name string) error {
	woken, ok := a.sems.post(name)
	if !ok {
		return nil
	}
	c, present := a.clients[woken]
	if !present {
		return fmt.Errorf("%w: semaphore %q woke unknown pid %d", dsmerr.ErrFatal, name, woken)
	}
	return a.send(c.conn, protocol.Message{Kind: protocol.KindPostSem, PID: woken, SemName: name})
}

// onSynReq begins a coherence round: every other checked-in client is told
// to pause (STP_ALL), then the requester is told it may proceed (SYN_ACK),
// per spec.md §4.2's write-capture sequence.
func (a *Arbiter) onSynReq(pid int32, msg protocol.Message) error {
	if a.writeInFlight != nil {
		return fmt.Errorf("%w: SYN_REQ from pid %d while pid %d's round is in flight", dsmerr.ErrProtocol, pid, a.writeInFlight.pid)
	}
	c, ok := a.clients[pid]
	if !ok {
		return fmt.Errorf("%w: SYN_REQ from unknown pid %d", dsmerr.ErrProtocol, pid)
	}
	a.writeInFlight = c

	if err := a.broadcastExcept(pid, protocol.Message{Kind: protocol.KindStpAll}); err != nil {
		return err
	}
	if a.daemon != nil {
		// Cross-host: hold the requester's SYN_ACK until the daemon grants
		// the global write-order slot, so at most one host's coherence
		// round is ever in flight at a time. onDaemonSynGrant sends the
		// SYN_ACK once the grant arrives.
		return a.daemon.SynReq(a.cfg.SIDName)
	}
	return a.send(c.conn, protocol.Message{Kind: protocol.KindSynAck, PID: pid})
}

// onDaemonSynGrant fires once the daemon grants writeInFlight's requester
// the cross-host write-order slot (daemon.KindSynGrant).
func (a *Arbiter) onDaemonSynGrant() error {
	if a.writeInFlight == nil {
		return fmt.Errorf("%w: SYN_GRANT with no write in flight", dsmerr.ErrProtocol)
	}
	return a.send(a.writeInFlight.conn, protocol.Message{Kind: protocol.KindSynAck, PID: a.writeInFlight.pid})
}

// onWrtData relays the requester's captured write to every other client,
// who apply it while paused inside STP_ALL (internal/runtime's
// servicePause).
func (a *Arbiter) onWrtData(pid int32, msg protocol.Message) error {
	if a.writeInFlight == nil || a.writeInFlight.pid != pid {
		return fmt.Errorf("%w: WRT_DATA from pid %d outside an active round", dsmerr.ErrProtocol, pid)
	}
	a.met.BytesRelayed.Add(float64(len(msg.Payload)))
	return a.broadcastExcept(pid, protocol.Message{
		Kind:    protocol.KindWrtData,
		PID:     pid,
		Offset:  msg.Offset,
		Length:  msg.Length,
		Payload: msg.Payload,
	})
}

// onSynAckDone is the requester's own SYN_ACK, reused to mean "my write has
// been sent, you may resume everyone else" (see the doc comment of
// internal/runtime's Handle.WriteAt for why this kind is reused both
// directions).
func (a *Arbiter) onSynAckDone(pid int32) error {
	if a.writeInFlight == nil || a.writeInFlight.pid != pid {
		return fmt.Errorf("%w: SYN_ACK from pid %d outside an active round", dsmerr.ErrProtocol, pid)
	}
	a.writeInFlight = nil
	a.met.CoherenceRounds.Inc()
	return a.broadcastExcept(pid, protocol.Message{Kind: protocol.KindCntAll})
}

func (a *Arbiter) onExit(pid int32) error {
	c, ok := a.clients[pid]
	if !ok {
		return fmt.Errorf("%w: EXIT from unknown pid %d", dsmerr.ErrProtocol, pid)
	}
	c.exited = true
	a.met.ClientsActive.Set(float64(a.activeCount()))
	a.log.Info("client exited", "pid", pid)
	return nil
}

func (a *Arbiter) handleDisconnect(pid int32, conn net.Conn, err error) {
	conn.Close()
	if c, ok := a.clients[pid]; ok && !c.exited {
		a.log.Warn("client disconnected without EXIT", "pid", pid, "error", err)
		c.exited = true
		a.met.ClientsActive.Set(float64(a.activeCount()))
	}
}

func (a *Arbiter) send(conn net.Conn, m protocol.Message) error {
	frame, err := protocol.Pack(m)
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame[:]); err != nil {
		return fmt.Errorf("%w: send %v: %v", dsmerr.ErrIO, m.Kind, err)
	}
	return nil
}

func (a *Arbiter) broadcast(m protocol.Message) error {
	return a.broadcastExcept(-1, m)
}

// handleDaemonMessage dispatches one decoded daemon.Message, delivered via
// daemonEvents by readDaemon. It runs on the same single dispatcher
// goroutine as handleMessage, so it may freely touch Arbiter's fields.
func (a *Arbiter) handleDaemonMessage(msg daemon.Message) error {
	switch msg.Kind {
	case daemon.KindReady:
		return a.onDaemonReady()
	case daemon.KindSynGrant:
		return a.onDaemonSynGrant()
	case daemon.KindBarRelease:
		return a.onDaemonBarRelease()
	case daemon.KindPostSem:
		return a.onPostSem(msg.SemName)
	default:
		return fmt.Errorf("%w: unexpected daemon message kind %v", dsmerr.ErrProtocol, msg.Kind)
	}
}

// onDaemonReady fires once the daemon reports the cross-host cohort is
// complete (daemon.KindReady). If this host's local cohort was already
// complete and only waiting on the daemon, release it now.
func (a *Arbiter) onDaemonReady() error {
	a.daemonReady = true
	if a.cohortComplete() {
		return a.broadcastSetGID()
	}
	return nil
}

func (a *Arbiter) broadcastExcept(exceptPID int32, m protocol.Message) error {
	for pid, c := range a.clients {
		if pid == exceptPID || c.exited {
			continue
		}
		m.PID = pid
		if err := a.send(c.conn, m); err != nil {
			return err
		}
	}
	return nil
}
