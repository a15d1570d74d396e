package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	in := &Frame{
		Opcode:   OpCall,
		Sender:   "alice",
		Receiver: "bob",
		CallID:   7,
		Object:   "MainApplication",
		Method:   "foo(int)",
		Payload:  []byte{42},
	}

	data, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(data)-4), binary.BigEndian.Uint32(data))

	out, err := Decode(data[4:])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeRejectsUnknownOpcode(t *testing.T) {
	_, err := Encode(&Frame{Opcode: 0})
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0xff, 0x00})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestSplitterPartialInput(t *testing.T) {
	a, err := Encode(&Frame{Opcode: OpSend, Sender: "a", Receiver: "b", Payload: []byte("one")})
	require.NoError(t, err)
	b, err := Encode(&Frame{Opcode: OpSend, Sender: "a", Receiver: "b", Payload: []byte("two")})
	require.NoError(t, err)
	stream := append(append([]byte{}, a...), b...)

	var s Splitter
	var got []string

	// Feed one byte at a time: frames only surface once complete.
	for i := range stream {
		s.Feed(stream[i : i+1])
		for {
			f, err := s.Next()
			require.NoError(t, err)
			if f == nil {
				break
			}
			got = append(got, string(f.Payload))
		}
	}

	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, 0, s.Buffered())
}

func TestSplitterTooLarge(t *testing.T) {
	var s Splitter
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxFrameSize+1)
	s.Feed(hdr)

	_, err := s.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern("*", "konqueror-123"))
	assert.True(t, MatchPattern("konq*", "konqueror-123"))
	assert.False(t, MatchPattern("kwin*", "konqueror-123"))
	assert.True(t, MatchPattern("bob", "bob"))
	assert.False(t, MatchPattern("bob", "bobby"))
}

func TestOpcodeClasses(t *testing.T) {
	assert.True(t, OpRegister.IsManagement())
	assert.True(t, OpUnsubscribe.IsManagement())
	assert.False(t, OpCall.IsManagement())
	assert.True(t, OpCall.ExpectsReply())
	assert.False(t, OpSend.ExpectsReply())
	assert.Equal(t, "CALL", OpCall.String())
	assert.Equal(t, "OPCODE(99)", Opcode(99).String())
}

func TestFailureFrame(t *testing.T) {
	f := FailureFrame("alice", 9, CodePeerGone, "bob disconnected")
	assert.Equal(t, OpReplyFailed, f.Opcode)
	assert.Equal(t, ServerName, f.Sender)

	var fail Failure
	require.NoError(t, UnmarshalPayload(f.Payload, &fail))
	assert.Equal(t, CodePeerGone, fail.Code)
	assert.Equal(t, "bob disconnected", fail.Message)
}
