package registry

import (
	"strconv"
	"time"
)

// ID is the stable arena key of a connection.
type ID uint64

// Handle is the transport-level identifier of an accepted connection.
type Handle uint64

// State is the per-connection protocol state.
type State int

const (
	// Anonymous connections accept only registration.
	Anonymous State = iota
	// Registered connections may send every application message.
	Registered
	// Unregistering is entered during cleanup and rejects further frames.
	Unregistering
	// Gone connections have been removed from the registry.
	Gone
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Registered:
		return "registered"
	case Unregistering:
		return "unregistering"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// Endpoint receives encoded frames destined for a connection.
type Endpoint interface {
	Enqueue(data []byte)
	Close() error
}

// Connection is the broker's bookkeeping for one attached client.
type Connection struct {
	ID     ID
	Handle Handle
	Name   string
	State  State

	// Daemon clients do not keep a suicidal broker alive.
	Daemon bool
	// Notify requests applicationRegistered/applicationRemoved signals.
	Notify bool

	// Seq is the creation sequence number, used for anonymous names.
	Seq     uint64
	Out     Endpoint
	Created time.Time
}

// Label returns the name if registered, otherwise a handle-based label for
// log lines.
func (c *Connection) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return "#" + strconv.FormatUint(uint64(c.Handle), 10)
}
