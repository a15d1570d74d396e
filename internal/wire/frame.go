// Package wire defines the frame format spoken between dcop clients and the
// broker.
//
// Every frame on the wire is a 4-byte big-endian length followed by a
// MessagePack-encoded Frame. The Frame header carries the opcode, the sender
// and receiver application names and a call identifier; the payload is opaque
// to the transport and interpreted per opcode (see payload.go).
//
// Called by: transport (framing), broker (dispatch), client (requests)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single encoded frame body. Larger frames are treated
// as a protocol error and close the offending connection.
const MaxFrameSize = 16 << 20

// headerSize is the length prefix in front of every frame body.
const headerSize = 4

// ServerName is the reserved application name of the broker itself. Calls
// addressed to it are answered by the broker, and registration notifications
// are emitted with it as the sender.
const ServerName = "DCOPServer"

// Broadcast is the receiver wildcard matching every registered application.
const Broadcast = "*"

// Notification signal names emitted by ServerName.
const (
	SignalRegistered = "applicationRegistered"
	SignalRemoved    = "applicationRemoved"
)

// Functions answered by ServerName itself.
const (
	MethodRegisteredApplications  = "registeredApplications"
	MethodIsApplicationRegistered = "isApplicationRegistered"
	MethodRecentEvents            = "recentEvents"
)

// MethodAbandoned marks the OpReplyFailed frame sent to a callee whose caller
// is gone, or whose deferred reply timed out; its CallID is the call the
// callee should stop working on.
const MethodAbandoned = "abandoned"

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownOpcode  = errors.New("unknown opcode")
)

// Frame is one broker message.
type Frame struct {
	Opcode   Opcode `msgpack:"op"`
	Sender   string `msgpack:"from,omitempty"`
	Receiver string `msgpack:"to,omitempty"`
	CallID   uint64 `msgpack:"id,omitempty"`
	Object   string `msgpack:"obj,omitempty"`
	Method   string `msgpack:"fn,omitempty"`
	Payload  []byte `msgpack:"data,omitempty"`
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s->%s id=%d %s.%s (%d bytes)",
		f.Opcode, f.Sender, f.Receiver, f.CallID, f.Object, f.Method, len(f.Payload))
}

// Encode returns the length-prefixed wire representation of f.
func Encode(f *Frame) ([]byte, error) {
	if !f.Opcode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, f.Opcode)
	}
	body, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

// Decode parses a frame body (without its length prefix).
func Decode(body []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !f.Opcode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, f.Opcode)
	}
	return &f, nil
}

// IsPattern reports whether a receiver name addresses more than one
// application.
func IsPattern(receiver string) bool {
	return strings.HasSuffix(receiver, "*")
}

// MatchPattern reports whether name is matched by the receiver pattern. A
// receiver without a trailing '*' only matches itself.
func MatchPattern(pattern, name string) bool {
	if !IsPattern(pattern) {
		return pattern == name
	}
	return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
}
