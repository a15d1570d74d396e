package wire

import "fmt"

// Opcode identifies the kind of a frame.
type Opcode uint8

// Connection management opcodes, handled by the broker itself.
const (
	OpRegister Opcode = iota + 1
	OpUnregister
	OpList
	OpIsRegistered
	OpSetNotify
	OpSetDaemon
	OpSubscribe
	OpUnsubscribe
)

// Application opcodes, routed between clients.
const (
	OpCall Opcode = iota + 0x10
	OpReply
	OpReplyFailed
	OpReplyDelayed
	OpSend
	OpFind
	OpSignal
)

var opcodeNames = map[Opcode]string{
	OpRegister:     "REGISTER",
	OpUnregister:   "UNREGISTER",
	OpList:         "LIST",
	OpIsRegistered: "IS_REGISTERED",
	OpSetNotify:    "SET_NOTIFY",
	OpSetDaemon:    "SET_DAEMON",
	OpSubscribe:    "SUBSCRIBE",
	OpUnsubscribe:  "UNSUBSCRIBE",
	OpCall:         "CALL",
	OpReply:        "REPLY",
	OpReplyFailed:  "REPLY_FAILED",
	OpReplyDelayed: "REPLY_DELAYED",
	OpSend:         "SEND",
	OpFind:         "FIND",
	OpSignal:       "SIGNAL",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// Valid reports whether o is a known opcode.
func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// IsManagement reports whether o is handled locally by the broker.
func (o Opcode) IsManagement() bool {
	return o >= OpRegister && o <= OpUnsubscribe
}

// ExpectsReply reports whether the sender of o waits for an answer frame.
// Fire-and-forget opcodes have no failure channel.
func (o Opcode) ExpectsReply() bool {
	switch o {
	case OpSend, OpSignal, OpReply, OpReplyFailed, OpReplyDelayed, OpUnregister:
		return false
	}
	return true
}
