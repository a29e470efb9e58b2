// Package protocol implements the DSM wire codec: a single fixed-size frame
// capable of carrying any of the message kinds the arbiter and client sync
// runtime exchange (check-in, gid assignment, barrier hits, semaphore
// wait/post, page writes, and the coherence handshake). Frames are a pure
// function of their input — packing never touches global state, and packing
// an unknown kind fails loudly rather than emitting a partial frame.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ocx/dsm/internal/dsmerr"
)

// Kind identifies the payload variant carried by a Message.
type Kind uint8

const (
	KindAddPID  Kind = iota + 1 // client -> arbiter: check-in, carries PID
	KindSetGID                  // arbiter -> client: assigns GID, acts as session-start
	KindHitBar                  // client -> arbiter: hit the cohort barrier
	KindWaitSem                 // client -> arbiter: wait (down) a named semaphore
	KindPostSem                 // client <-> arbiter: post (up) a named semaphore, or wake a waiter
	KindWrtData                 // client <-> arbiter: dirty page bytes at an offset
	KindSynReq                  // client -> arbiter: announce intent to write, begin coherence round
	KindSynAck                  // client <-> arbiter: arbiter's go-ahead for a round; client's report that its write was sent
	KindExit                    // client -> arbiter: goodbye
	KindStpAll                  // arbiter -> client: pause, a coherence round is in flight
	KindCntAll                  // arbiter -> client: resume, the coherence round (or barrier) ended
)

// String renders the kind for logs; unknown values are never produced by
// Unpack, but may appear while constructing a Message by hand.
func (k Kind) String() string {
	switch k {
	case KindAddPID:
		return "ADD_PID"
	case KindSetGID:
		return "SET_GID"
	case KindHitBar:
		return "HIT_BAR"
	case KindWaitSem:
		return "WAIT_SEM"
	case KindPostSem:
		return "POST_SEM"
	case KindWrtData:
		return "WRT_DATA"
	case KindSynReq:
		return "SYN_REQ"
	case KindSynAck:
		return "SYN_ACK"
	case KindExit:
		return "EXIT"
	case KindStpAll:
		return "STP_ALL"
	case KindCntAll:
		return "CNT_ALL"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindAddPID && k <= KindCntAll
}

const (
	// SemNameSize is the fixed, null-padded width of a semaphore name on
	// the wire. Names longer than this are truncated; see PackSemName.
	SemNameSize = 32

	// PageSize is the coherence unit assumed by every participant. All
	// hosts in a cohort must agree on this value; Init verifies it against
	// the OS page size and fails with dsmerr.ErrFatal on mismatch.
	PageSize = 4096

	headerSize = 1 /*kind*/ + 4 /*pid*/ + 4 /*gid*/ + SemNameSize + 8 /*offset*/ + 4 /*length*/

	// FrameSize is the exact byte width of every frame on the wire,
	// matching DSM_MSG_SIZE in the original protocol: large enough to
	// carry a full dirty page regardless of message kind.
	FrameSize = headerSize + PageSize
)

// Message is the logical, decoded form of one frame. Not every field is
// meaningful for every Kind; unused fields are simply zero on the wire.
type Message struct {
	Kind    Kind
	PID     int32
	GID     int32
	SemName string
	Offset  uint64
	Length  uint32
	Payload []byte // at most PageSize bytes; Unpack trims to Length
}

// PackSemName truncates name to SemNameSize bytes. Truncation is silent and
// byte-oriented, matching the original protocol's snprintf-based behavior;
// callers that care about empty-name rejection do so above this layer
// (see internal/runtime), since the codec itself has no argument-validation
// error kind of its own.
func PackSemName(name string) [SemNameSize]byte {
	var out [SemNameSize]byte
	b := []byte(name)
	if len(b) > SemNameSize {
		b = b[:SemNameSize]
	}
	copy(out[:], b)
	return out
}

func unpackSemName(b [SemNameSize]byte) string {
	n := bytes.IndexByte(b[:], 0)
	if n < 0 {
		n = SemNameSize
	}
	return string(b[:n])
}

// Pack serializes m into a fixed FrameSize-byte frame. It fails with
// dsmerr.ErrProtocol if m.Kind is not one of the defined kinds, or if
// m.Payload/m.Length exceed PageSize.
func Pack(m Message) ([FrameSize]byte, error) {
	var frame [FrameSize]byte

	if !m.Kind.valid() {
		return frame, fmt.Errorf("%w: pack: unknown kind %v", dsmerr.ErrProtocol, m.Kind)
	}
	if m.Length > PageSize || len(m.Payload) > PageSize {
		return frame, fmt.Errorf("%w: pack: payload exceeds page size", dsmerr.ErrProtocol)
	}

	buf := bytes.NewBuffer(make([]byte, 0, FrameSize))
	semName := PackSemName(m.SemName)

	fields := []any{
		uint8(m.Kind),
		m.PID,
		m.GID,
		semName,
		m.Offset,
		m.Length,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return frame, fmt.Errorf("%w: pack: %v", dsmerr.ErrProtocol, err)
		}
	}

	var page [PageSize]byte
	copy(page[:], m.Payload)
	if err := binary.Write(buf, binary.BigEndian, page); err != nil {
		return frame, fmt.Errorf("%w: pack: %v", dsmerr.ErrProtocol, err)
	}

	copy(frame[:], buf.Bytes())
	return frame, nil
}

// Unpack deserializes a FrameSize-byte frame into a Message. It fails with
// dsmerr.ErrProtocol on a short buffer or an unrecognized kind.
func Unpack(buf []byte) (Message, error) {
	var m Message

	if len(buf) != FrameSize {
		return m, fmt.Errorf("%w: unpack: got %d bytes, want %d", dsmerr.ErrProtocol, len(buf), FrameSize)
	}

	r := bytes.NewReader(buf)

	var kind uint8
	var semName [SemNameSize]byte

	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return m, fmt.Errorf("%w: unpack: %v", dsmerr.ErrProtocol, err)
	}
	m.Kind = Kind(kind)
	if !m.Kind.valid() {
		return m, fmt.Errorf("%w: unpack: unknown kind 0x%02X", dsmerr.ErrProtocol, kind)
	}
	if err := binary.Read(r, binary.BigEndian, &m.PID); err != nil {
		return m, fmt.Errorf("%w: unpack: %v", dsmerr.ErrProtocol, err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.GID); err != nil {
		return m, fmt.Errorf("%w: unpack: %v", dsmerr.ErrProtocol, err)
	}
	if err := binary.Read(r, binary.BigEndian, &semName); err != nil {
		return m, fmt.Errorf("%w: unpack: %v", dsmerr.ErrProtocol, err)
	}
	m.SemName = unpackSemName(semName)
	if err := binary.Read(r, binary.BigEndian, &m.Offset); err != nil {
		return m, fmt.Errorf("%w: unpack: %v", dsmerr.ErrProtocol, err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.Length); err != nil {
		return m, fmt.Errorf("%w: unpack: %v", dsmerr.ErrProtocol, err)
	}
	if m.Length > PageSize {
		return m, fmt.Errorf("%w: unpack: length %d exceeds page size", dsmerr.ErrProtocol, m.Length)
	}

	var page [PageSize]byte
	if err := binary.Read(r, binary.BigEndian, &page); err != nil {
		return m, fmt.Errorf("%w: unpack: %v", dsmerr.ErrProtocol, err)
	}
	m.Payload = append([]byte(nil), page[:m.Length]...)

	return m, nil
}
