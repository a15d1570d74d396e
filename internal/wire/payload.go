package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FailureCode classifies a synthesized or remote failure reply.
type FailureCode int

const (
	CodeInvalidRequest FailureCode = iota + 1
	CodeNameInUse
	CodeUnknownApplication
	CodePeerGone
	CodeNotRegistered
	CodeTimeout
	CodeStaleCall
	CodeApplicationError
)

func (c FailureCode) String() string {
	switch c {
	case CodeInvalidRequest:
		return "invalid request"
	case CodeNameInUse:
		return "name in use"
	case CodeUnknownApplication:
		return "unknown application"
	case CodePeerGone:
		return "peer gone"
	case CodeNotRegistered:
		return "not registered"
	case CodeTimeout:
		return "timeout"
	case CodeStaleCall:
		return "stale call"
	case CodeApplicationError:
		return "application error"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// Failure is the payload of an OpReplyFailed frame.
type Failure struct {
	Code    FailureCode `msgpack:"code"`
	Message string      `msgpack:"msg,omitempty"`
}

// RegisterRequest is the payload of OpRegister. An empty Name asks the broker
// to pick an anonymous identifier.
type RegisterRequest struct {
	Name            string `msgpack:"name"`
	AllowSubstitute bool   `msgpack:"subst"`
}

// RegisterReply carries the name the broker actually assigned.
type RegisterReply struct {
	Name string `msgpack:"name"`
}

// SubscribeRequest is the payload of OpSubscribe and OpUnsubscribe. An empty
// Publisher matches the signal from any application.
type SubscribeRequest struct {
	Publisher string `msgpack:"pub"`
	Signal    string `msgpack:"sig"`
	Volatile  bool   `msgpack:"volatile"`
}

// Notification is emitted by ServerName when an application appears or
// disappears. It is also the argument of OpIsRegistered.
type Notification struct {
	App string `msgpack:"app"`
}

// NameList is the payload of the OpList reply.
type NameList struct {
	Names []string `msgpack:"names"`
}

// EventQuery is the argument of the recentEvents server function. An empty
// App selects every application.
type EventQuery struct {
	App   string `msgpack:"app,omitempty"`
	Limit int    `msgpack:"limit,omitempty"`
}

// Flag is a single boolean payload (OpSetNotify, OpSetDaemon, OpIsRegistered
// replies).
type Flag struct {
	On bool `msgpack:"on"`
}

// MarshalPayload encodes an opcode-specific payload value.
func MarshalPayload(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes an opcode-specific payload value.
func UnmarshalPayload(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	return nil
}

// FailureFrame builds an OpReplyFailed frame addressed to receiver.
func FailureFrame(receiver string, callID uint64, code FailureCode, msg string) *Frame {
	data, _ := MarshalPayload(&Failure{Code: code, Message: msg})
	return &Frame{
		Opcode:   OpReplyFailed,
		Sender:   ServerName,
		Receiver: receiver,
		CallID:   callID,
		Payload:  data,
	}
}
