// Package daemon implements the reference session daemon: the cross-host
// collaborator spec.md §4.3 refers to but leaves external. It composes
// per-host arbiters that share a session id into one global cohort
// (readiness gating, total write ordering, barrier/semaphore relay).
//
// The arbiter<->daemon wire format is a small newline-delimited JSON
// protocol, distinct from internal/protocol's fixed binary frame: spec.md
// never pins down this interface's bytes, only its behavior, so this
// reference implementation is free to pick something simple to operate
// (grounded on the teacher's ToolCallPayload-style json-tagged structs in
// internal/gvisor/sandbox_executor.go).
package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/ocx/dsm/internal/dsmerr"
)

// Kind identifies the variant of a Message. It is exported because
// internal/arbiter dispatches on it directly instead of going through a
// daemon-owned handler.
type Kind string

const (
	KindRegister   Kind = "register"    // arbiter -> daemon: join a session
	KindReady      Kind = "ready"       // daemon -> arbiter: cohort is complete
	KindSynReq     Kind = "syn_req"     // arbiter -> daemon: request the global write-order slot
	KindSynGrant   Kind = "syn_grant"   // daemon -> arbiter: this arbiter's turn
	KindHitBar     Kind = "hit_bar"     // arbiter -> daemon: one local barrier completed
	KindBarRelease Kind = "bar_release" // daemon -> arbiter: every arbiter's barrier completed
	KindWaitSem    Kind = "wait_sem"    // arbiter -> daemon: relay a cross-host semaphore wait
	KindPostSem    Kind = "post_sem"    // arbiter <-> daemon: relay a cross-host semaphore post/wake
)

// Message is the decoded form of one line of the arbiter<->daemon protocol.
type Message struct {
	Kind        Kind   `json:"kind"`
	SIDName     string `json:"sid"`
	ArbiterID   string `json:"arbiter_id,omitempty"`
	NProcLocal  uint   `json:"nproc_local,omitempty"`
	GlobalNProc uint   `json:"global_nproc,omitempty"` // the session's total cohort size across every host
	PID         int32  `json:"pid,omitempty"`
	SemName     string `json:"sem_name,omitempty"`
}

// lineCodec frames Messages as newline-delimited JSON over a net.Conn.
type lineCodec struct {
	conn net.Conn
	r    *bufio.Reader
}

func newLineCodec(conn net.Conn) *lineCodec {
	return &lineCodec{conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineCodec) send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: marshal %v: %v", dsmerr.ErrProtocol, m.Kind, err)
	}
	b = append(b, '\n')
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("%w: send %v: %v", dsmerr.ErrIO, m.Kind, err)
	}
	return nil
}

func (c *lineCodec) recv() (Message, error) {
	var m Message
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return m, fmt.Errorf("%w: recv: %v", dsmerr.ErrIO, err)
	}
	if err := json.Unmarshal(line, &m); err != nil {
		return m, fmt.Errorf("%w: unmarshal: %v", dsmerr.ErrProtocol, err)
	}
	return m, nil
}
