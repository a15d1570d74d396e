package broker

import (
	"errors"

	"github.com/tenzoki/agen/dcop/internal/calls"
	"github.com/tenzoki/agen/dcop/internal/journal"
	"github.com/tenzoki/agen/dcop/internal/registry"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

// Dispatch applies one frame received on handle h.
//
// Management opcodes are answered by the broker. Application opcodes are
// routed: calls are recorded and forwarded under a broker key, replies are
// matched against the call table and rewritten to the caller's call id,
// sends and signals are forwarded without bookkeeping. The Sender of every
// forwarded frame is overwritten with the sending connection's name.
func (b *Broker) Dispatch(h registry.Handle, f *wire.Frame) {
	c := b.reg.FindByHandle(h)
	if c == nil || c.State != registry.Anonymous && c.State != registry.Registered {
		b.log.Debug("Dropping %s from detached handle #%d", f.Opcode, h)
		return
	}
	b.metrics.Received(f.Opcode.String())
	if b.log.DebugEnabled() {
		b.log.Debug("<- %s: %s", c.Label(), f)
	}

	if !f.Opcode.Valid() {
		b.log.Warn("Protocol error from %s: %v %d", c.Label(), wire.ErrUnknownOpcode, f.Opcode)
		b.metrics.ProtocolError()
		b.journal.Record(journal.Event{Kind: journal.KindProtocol, App: c.Name, Handle: uint64(h), Detail: f.Opcode.String(), At: b.now()})
		b.ConnectionLost(h, wire.ErrUnknownOpcode)
		return
	}

	if c.State == registry.Anonymous && f.Opcode != wire.OpRegister {
		if f.Opcode.ExpectsReply() {
			b.fail(c, f.CallID, wire.CodeNotRegistered, "register before sending %s", f.Opcode)
		} else {
			b.log.Debug("Dropping %s from unregistered %s", f.Opcode, c.Label())
		}
		return
	}

	switch f.Opcode {
	case wire.OpRegister:
		b.handleRegister(c, f)
	case wire.OpUnregister:
		b.log.Info("Application %s unregistered", c.Label())
		b.ConnectionLost(h, nil)
	case wire.OpList:
		b.reply(c, f.CallID, &wire.NameList{Names: b.reg.Names()})
	case wire.OpIsRegistered:
		var q wire.Notification
		if err := wire.UnmarshalPayload(f.Payload, &q); err != nil {
			b.fail(c, f.CallID, wire.CodeInvalidRequest, "%v", err)
			return
		}
		b.reply(c, f.CallID, &wire.Flag{On: b.isRegistered(q.App)})
	case wire.OpSetNotify, wire.OpSetDaemon:
		b.handleFlag(c, f)
	case wire.OpSubscribe, wire.OpUnsubscribe:
		b.handleSubscription(c, f)
	case wire.OpCall, wire.OpFind:
		b.handleCall(c, f)
	case wire.OpReply, wire.OpReplyFailed:
		b.handleReply(c, f)
	case wire.OpReplyDelayed:
		b.handleDelayed(c, f)
	case wire.OpSend:
		b.handleSend(c, f)
	case wire.OpSignal:
		b.handleSignal(c, f)
	}
}

func (b *Broker) isRegistered(name string) bool {
	if name == wire.ServerName {
		return true
	}
	return b.reg.Find(name) != nil
}

func (b *Broker) handleRegister(c *registry.Connection, f *wire.Frame) {
	var req wire.RegisterRequest
	if len(f.Payload) > 0 {
		if err := wire.UnmarshalPayload(f.Payload, &req); err != nil {
			b.fail(c, f.CallID, wire.CodeInvalidRequest, "%v", err)
			return
		}
	}

	previous := c.Name
	name, err := b.reg.Register(c, req.Name, req.AllowSubstitute)
	switch {
	case errors.Is(err, registry.ErrNameInUse):
		b.fail(c, f.CallID, wire.CodeNameInUse, "%s is already registered", req.Name)
		return
	case err != nil:
		b.fail(c, f.CallID, wire.CodeInvalidRequest, "%v", err)
		return
	}

	b.reply(c, f.CallID, &wire.RegisterReply{Name: name})
	if name == previous {
		return
	}

	if previous != "" {
		b.log.Info("Application %s renamed to %s", previous, name)
		b.journal.Record(journal.Event{Kind: journal.KindRenamed, App: name, Handle: uint64(c.Handle), Detail: previous, At: b.now()})
		b.signals.Sweep(0, previous)
		b.notify(wire.SignalRemoved, previous, c)
	} else {
		b.log.Info("Application %s registered", name)
		b.journal.Record(journal.Event{Kind: journal.KindRegistered, App: name, Handle: uint64(c.Handle), At: b.now()})
	}
	b.notify(wire.SignalRegistered, name, c)
	b.snapshot()
}

func (b *Broker) handleFlag(c *registry.Connection, f *wire.Frame) {
	var flag wire.Flag
	if err := wire.UnmarshalPayload(f.Payload, &flag); err != nil {
		b.fail(c, f.CallID, wire.CodeInvalidRequest, "%v", err)
		return
	}
	if f.Opcode == wire.OpSetNotify {
		c.Notify = flag.On
	} else {
		c.Daemon = flag.On
		b.updateIdle()
	}
	b.reply(c, f.CallID, nil)
}

func (b *Broker) handleSubscription(c *registry.Connection, f *wire.Frame) {
	var req wire.SubscribeRequest
	if err := wire.UnmarshalPayload(f.Payload, &req); err != nil || req.Signal == "" {
		b.fail(c, f.CallID, wire.CodeInvalidRequest, "invalid subscription")
		return
	}
	var changed bool
	if f.Opcode == wire.OpSubscribe {
		changed = b.signals.Subscribe(c.ID, req.Publisher, req.Signal, req.Volatile)
	} else {
		changed = b.signals.Unsubscribe(c.ID, req.Publisher, req.Signal)
	}
	b.reply(c, f.CallID, &wire.Flag{On: changed})
}

// resolve returns the connection a call is routed to. OpFind accepts a
// pattern and picks the first match in registration order, skipping the
// caller itself.
func (b *Broker) resolve(c *registry.Connection, f *wire.Frame) *registry.Connection {
	if f.Opcode == wire.OpFind && wire.IsPattern(f.Receiver) {
		for _, m := range b.reg.Match(f.Receiver) {
			if m != c {
				return m
			}
		}
		return nil
	}
	return b.reg.Find(f.Receiver)
}

func (b *Broker) handleCall(c *registry.Connection, f *wire.Frame) {
	if f.Receiver == wire.ServerName {
		b.serveCall(c, f)
		return
	}

	callee := b.resolve(c, f)
	if callee == nil {
		b.metrics.RoutingFailed(f.Opcode.String())
		b.fail(c, f.CallID, wire.CodeUnknownApplication, "application %s is not registered", f.Receiver)
		return
	}

	call := b.calls.Begin(c.ID, f.CallID, callee.ID)
	out := *f
	out.Sender = c.Name
	out.Receiver = callee.Name
	out.CallID = uint64(call.Key)
	b.send(callee, &out)
}

func (b *Broker) handleReply(c *registry.Connection, f *wire.Frame) {
	call, err := b.calls.Complete(c.ID, calls.Key(f.CallID))
	if err != nil {
		b.metrics.Stale()
		b.log.Warn("Stale %s from %s: %v", f.Opcode, c.Label(), err)
		return
	}
	caller := b.reg.Get(call.Caller)
	if caller == nil {
		return
	}
	out := *f
	out.Sender = c.Name
	out.Receiver = caller.Name
	out.CallID = call.CallerCallID
	b.send(caller, &out)
}

// handleDelayed marks the call deferred and tells the caller, so a client
// library can stop treating the call as overdue.
func (b *Broker) handleDelayed(c *registry.Connection, f *wire.Frame) {
	key := calls.Key(f.CallID)
	if err := b.calls.Defer(c.ID, key); err != nil {
		b.metrics.Stale()
		b.log.Warn("Stale %s from %s: %v", f.Opcode, c.Label(), err)
		return
	}
	call := b.calls.Get(key)
	if caller := b.reg.Get(call.Caller); caller != nil {
		b.send(caller, &wire.Frame{
			Opcode:   wire.OpReplyDelayed,
			Sender:   c.Name,
			Receiver: caller.Name,
			CallID:   call.CallerCallID,
		})
	}
}

// handleSend forwards a one-way message. A pattern receiver reaches every
// matching application except the sender; an unknown receiver is dropped.
func (b *Broker) handleSend(c *registry.Connection, f *wire.Frame) {
	var targets []*registry.Connection
	if wire.IsPattern(f.Receiver) {
		for _, m := range b.reg.Match(f.Receiver) {
			if m != c {
				targets = append(targets, m)
			}
		}
	} else if t := b.reg.Find(f.Receiver); t != nil {
		targets = append(targets, t)
	}

	if len(targets) == 0 {
		b.metrics.RoutingFailed(f.Opcode.String())
		b.log.Debug("No receiver for %s from %s to %s", f.Opcode, c.Label(), f.Receiver)
		return
	}
	for _, t := range targets {
		out := *f
		out.Sender = c.Name
		out.Receiver = t.Name
		out.CallID = 0
		b.send(t, &out)
	}
}

// handleSignal delivers an emitted signal to every live subscriber of
// (sender, signal) and (any, signal).
func (b *Broker) handleSignal(c *registry.Connection, f *wire.Frame) {
	b.publish(c.Name, f.Method, f.Object, f.Payload, nil)
}

// publish sends signal from publisher to its subscribers, plus extra
// connections, each at most once. Vanished subscribers are skipped.
func (b *Broker) publish(publisher, signal, object string, payload []byte, extra []*registry.Connection) {
	seen := make(map[registry.ID]bool)
	deliver := func(t *registry.Connection) {
		if t == nil || t.State != registry.Registered || seen[t.ID] {
			return
		}
		seen[t.ID] = true
		b.send(t, &wire.Frame{
			Opcode:   wire.OpSignal,
			Sender:   publisher,
			Receiver: t.Name,
			Object:   object,
			Method:   signal,
			Payload:  payload,
		})
	}
	for _, id := range b.signals.Subscribers(publisher, signal) {
		deliver(b.reg.Get(id))
	}
	for _, t := range extra {
		deliver(t)
	}
}
