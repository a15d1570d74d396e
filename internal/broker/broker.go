// Package broker implements the DCOP message broker.
//
// A Broker owns three tables: the connection registry, the outstanding call
// table and the signal subscriptions. Exactly one goroutine touches them, the
// event loop started by Run; the transport layer only posts events into it.
// The synchronous methods Attach, Dispatch, ConnectionLost and Tick are the
// loop's building blocks and are also what the tests drive directly.
//
// The broker never waits for a reply. A call is recorded, forwarded to the
// callee under a broker-assigned key, and the loop moves on; the reply is
// matched against the table when it arrives.
//
// Called by: cmd/dcopserver
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tenzoki/agen/dcop/internal/calls"
	"github.com/tenzoki/agen/dcop/internal/journal"
	"github.com/tenzoki/agen/dcop/internal/logging"
	"github.com/tenzoki/agen/dcop/internal/metrics"
	"github.com/tenzoki/agen/dcop/internal/registry"
	"github.com/tenzoki/agen/dcop/internal/signals"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

// ErrSuicide is returned by Run when suicide mode is on and no non-daemon
// client has been attached for the grace period.
var ErrSuicide = errors.New("no clients left")

// Options configures a Broker. Zero values are usable: no metrics, no
// journal, deferred calls never expire, no suicide.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Journal *journal.Journal

	// DelayedReplyTimeout bounds how long a deferred call may stay open;
	// zero disables expiry.
	DelayedReplyTimeout time.Duration

	Suicide      bool
	SuicideGrace time.Duration

	// TickInterval paces expiry and suicide checks in Run.
	TickInterval time.Duration
	// QueueSize is the capacity of the transport event queue.
	QueueSize int

	// Now replaces the clock, for tests.
	Now func() time.Time
}

type eventKind int

const (
	evAttached eventKind = iota
	evReceived
	evLost
)

type event struct {
	kind   eventKind
	handle registry.Handle
	ep     registry.Endpoint
	frame  *wire.Frame
	err    error
}

// Broker routes frames between attached clients. All state is owned by the
// goroutine running Run.
type Broker struct {
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics
	journal *journal.Journal
	now     func() time.Time

	reg     *registry.Registry
	calls   *calls.Table
	signals *signals.Registry

	// idleSince is when the last non-daemon client went away; zero while
	// one is attached.
	idleSince time.Time

	events  chan event
	stopped chan struct{}
}

// New returns a broker with empty registries. Nothing runs until Run.
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	b := &Broker{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		journal: opts.Journal,
		now:     opts.Now,
		reg:     registry.New(),
		calls:   calls.NewTable(),
		signals: signals.New(),
		events:  make(chan event, opts.QueueSize),
		stopped: make(chan struct{}),
	}
	b.calls.SetClock(b.now)
	b.idleSince = b.now()
	return b
}

// Run is the broker's event loop. It returns nil when ctx is cancelled and
// ErrSuicide when suicide mode fires. Every attached endpoint is closed on
// the way out.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.stopped)

	ticker := time.NewTicker(b.opts.TickInterval)
	defer ticker.Stop()

	b.journal.Record(journal.Event{Kind: journal.KindStarted, At: b.now()})
	b.log.Debug("Broker loop started")

	for {
		select {
		case <-ctx.Done():
			b.shutdown("context cancelled")
			return nil
		case ev := <-b.events:
			b.handle(ev)
		case <-ticker.C:
			if err := b.Tick(); err != nil {
				b.shutdown(err.Error())
				return err
			}
		}
	}
}

func (b *Broker) handle(ev event) {
	switch ev.kind {
	case evAttached:
		if err := b.Attach(ev.handle, ev.ep); err != nil {
			b.log.Error("Attach failed: %v", err)
			ev.ep.Close()
		}
	case evReceived:
		b.Dispatch(ev.handle, ev.frame)
	case evLost:
		b.ConnectionLost(ev.handle, ev.err)
	}
}

func (b *Broker) shutdown(reason string) {
	b.log.Info("Broker shutting down: %s", reason)
	b.reg.Each(func(c *registry.Connection) {
		c.Out.Close()
	})
	b.journal.Record(journal.Event{Kind: journal.KindStopped, Detail: reason, At: b.now()})
}

// Attached, Received and Lost implement transport.Sink. They only enqueue;
// the loop applies them in order.

func (b *Broker) Attached(h registry.Handle, ep registry.Endpoint) {
	if !b.post(event{kind: evAttached, handle: h, ep: ep}) {
		ep.Close()
	}
}

func (b *Broker) Received(h registry.Handle, f *wire.Frame) {
	b.post(event{kind: evReceived, handle: h, frame: f})
}

func (b *Broker) Lost(h registry.Handle, err error) {
	b.post(event{kind: evLost, handle: h, err: err})
}

func (b *Broker) post(ev event) bool {
	select {
	case <-b.stopped:
		return false
	default:
	}
	select {
	case b.events <- ev:
		return true
	case <-b.stopped:
		return false
	}
}

// Attach registers a freshly accepted transport handle as an anonymous
// connection.
func (b *Broker) Attach(h registry.Handle, ep registry.Endpoint) error {
	c, err := b.reg.Attach(h, ep)
	if err != nil {
		return err
	}
	b.updateIdle()
	b.log.Debug("Connection %s attached", c.Label())
	b.snapshot()
	return nil
}

// send encodes f and queues it on c's endpoint.
func (b *Broker) send(c *registry.Connection, f *wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		b.log.Error("Failed to encode %s for %s: %v", f.Opcode, c.Label(), err)
		return
	}
	c.Out.Enqueue(data)
	b.metrics.Sent(f.Opcode.String())
	if b.log.DebugEnabled() {
		b.log.Debug("-> %s: %s", c.Label(), f)
	}
}

func (b *Broker) reply(c *registry.Connection, callID uint64, payload interface{}) {
	f := &wire.Frame{
		Opcode:   wire.OpReply,
		Sender:   wire.ServerName,
		Receiver: c.Name,
		CallID:   callID,
	}
	if payload != nil {
		data, err := wire.MarshalPayload(payload)
		if err != nil {
			b.fail(c, callID, wire.CodeInvalidRequest, "%v", err)
			return
		}
		f.Payload = data
	}
	b.send(c, f)
}

func (b *Broker) fail(c *registry.Connection, callID uint64, code wire.FailureCode, format string, args ...interface{}) {
	b.send(c, wire.FailureFrame(c.Name, callID, code, fmt.Sprintf(format, args...)))
}

func (b *Broker) snapshot() {
	b.metrics.Snapshot(b.reg.Len(), b.reg.Registered(), b.calls.Len(), b.signals.Len())
}
