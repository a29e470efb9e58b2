package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dsm/internal/dsmerr"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []Message{
		{Kind: KindAddPID, PID: 4242},
		{Kind: KindSetGID, PID: 4242, GID: 3},
		{Kind: KindHitBar, PID: 4242},
		{Kind: KindWaitSem, PID: 4242, SemName: "mutex"},
		{Kind: KindPostSem, PID: 4242, SemName: "mutex"},
		{Kind: KindWrtData, PID: 4242, Offset: 4096, Length: 4, Payload: []byte{1, 2, 3, 4}},
		{Kind: KindSynReq, PID: 4242},
		{Kind: KindSynAck, PID: 4242},
		{Kind: KindExit, PID: 4242},
		{Kind: KindStpAll},
		{Kind: KindCntAll},
	}

	for _, want := range cases {
		t.Run(want.Kind.String(), func(t *testing.T) {
			frame, err := Pack(want)
			require.NoError(t, err)
			require.Len(t, frame, FrameSize)

			got, err := Unpack(frame[:])
			require.NoError(t, err)

			assert.Equal(t, want.Kind, got.Kind)
			assert.Equal(t, want.PID, got.PID)
			assert.Equal(t, want.GID, got.GID)
			assert.Equal(t, want.SemName, got.SemName)
			assert.Equal(t, want.Offset, got.Offset)
			assert.Equal(t, want.Length, got.Length)
			if len(want.Payload) == 0 {
				assert.Empty(t, got.Payload)
			} else {
				assert.Equal(t, want.Payload, got.Payload)
			}
		})
	}
}

func TestPackUnknownKind(t *testing.T) {
	_, err := Pack(Message{Kind: Kind(0xAA)})
	assert.ErrorIs(t, err, dsmerr.ErrProtocol)
}

func TestUnpackUnknownKind(t *testing.T) {
	frame, err := Pack(Message{Kind: KindExit})
	require.NoError(t, err)
	frame[0] = 0xAA // corrupt the kind byte
	_, err = Unpack(frame[:])
	assert.ErrorIs(t, err, dsmerr.ErrProtocol)
}

func TestUnpackWrongSize(t *testing.T) {
	_, err := Unpack(make([]byte, FrameSize-1))
	assert.ErrorIs(t, err, dsmerr.ErrProtocol)
}

func TestSemNameTruncation(t *testing.T) {
	long := strings.Repeat("x", 64)
	frame, err := Pack(Message{Kind: KindWaitSem, SemName: long})
	require.NoError(t, err)

	got, err := Unpack(frame[:])
	require.NoError(t, err)
	assert.Len(t, got.SemName, SemNameSize)
	assert.Equal(t, strings.Repeat("x", SemNameSize), got.SemName)
}

func TestPackPayloadTooLarge(t *testing.T) {
	_, err := Pack(Message{Kind: KindWrtData, Length: PageSize + 1})
	assert.ErrorIs(t, err, dsmerr.ErrProtocol)
}
