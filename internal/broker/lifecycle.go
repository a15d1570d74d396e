package broker

import (
	"errors"
	"io"
	"time"

	"github.com/tenzoki/agen/dcop/internal/calls"
	"github.com/tenzoki/agen/dcop/internal/journal"
	"github.com/tenzoki/agen/dcop/internal/registry"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

// ConnectionLost tears down everything attached to handle h, in this order:
//
//  1. outstanding calls: surviving callers get a CodePeerGone failure in
//     place of the reply that will never come, surviving callees an
//     abandon notice;
//  2. signal subscriptions held by the connection, and volatile ones to it;
//  3. the registry entry, closing the endpoint;
//  4. the applicationRemoved notification.
//
// A handle that is not attached (already cleaned up) is ignored, so the
// transport may report the same loss more than once.
func (b *Broker) ConnectionLost(h registry.Handle, reason error) {
	c := b.reg.FindByHandle(h)
	if c == nil || c.State == registry.Unregistering || c.State == registry.Gone {
		return
	}
	c.State = registry.Unregistering
	name := c.Name

	switch {
	case reason == nil:
	case errors.Is(reason, io.EOF):
		b.log.Debug("Connection %s closed", c.Label())
	default:
		b.log.Info("Connection %s lost: %v", c.Label(), reason)
	}

	alive := func(id registry.ID) bool {
		o := b.reg.Get(id)
		return o != nil && o.State == registry.Registered
	}
	for _, o := range b.calls.Purge(c.ID, alive) {
		if o.Survivor == 0 {
			continue
		}
		s := b.reg.Get(o.Survivor)
		if o.SurvivorIsCaller {
			b.fail(s, o.Call.CallerCallID, wire.CodePeerGone, "application %s went away", c.Label())
			b.metrics.Synthesized()
		} else {
			b.abandon(s, o.Call, name, "caller went away")
		}
	}

	b.signals.Sweep(c.ID, name)

	b.reg.Remove(c)
	c.Out.Close()
	b.metrics.Lost()

	if name != "" {
		b.log.Info("Application %s removed", name)
		detail := ""
		if reason != nil {
			detail = reason.Error()
		}
		b.journal.Record(journal.Event{Kind: journal.KindRemoved, App: name, Handle: uint64(h), Detail: detail, At: b.now()})
		b.notify(wire.SignalRemoved, name, c)
	}

	b.updateIdle()
	b.snapshot()
}

// abandon tells callee to stop working on call. sender is the caller's
// name as the callee knew it.
func (b *Broker) abandon(callee *registry.Connection, call *calls.Call, sender, msg string) {
	data, _ := wire.MarshalPayload(&wire.Failure{Code: wire.CodePeerGone, Message: msg})
	b.send(callee, &wire.Frame{
		Opcode:   wire.OpReplyFailed,
		Sender:   sender,
		Receiver: callee.Name,
		CallID:   uint64(call.Key),
		Method:   wire.MethodAbandoned,
		Payload:  data,
	})
}

// notify emits an applicationRegistered/applicationRemoved signal from
// ServerName to every registered connection with Notify set and to explicit
// subscribers of the signal, never to subject itself.
func (b *Broker) notify(signal, app string, subject *registry.Connection) {
	payload, err := wire.MarshalPayload(&wire.Notification{App: app})
	if err != nil {
		b.log.Error("Failed to encode notification: %v", err)
		return
	}

	var watchers []*registry.Connection
	for _, c := range b.reg.Match(wire.Broadcast) {
		if c.Notify && c != subject {
			watchers = append(watchers, c)
		}
	}

	seen := map[registry.ID]bool{subject.ID: true}
	for _, id := range b.signals.Subscribers(wire.ServerName, signal) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if c := b.reg.Get(id); c != nil && c.State == registry.Registered && !c.Notify {
			watchers = append(watchers, c)
		}
	}
	for _, c := range watchers {
		b.send(c, &wire.Frame{
			Opcode:   wire.OpSignal,
			Sender:   wire.ServerName,
			Receiver: c.Name,
			Method:   signal,
			Payload:  payload,
		})
	}
}

// Tick runs the periodic checks: deferred calls past the delayed-reply
// timeout are failed with CodeTimeout, and in suicide mode ErrSuicide is
// returned once no non-daemon client has been attached for the grace
// period.
func (b *Broker) Tick() error {
	now := b.now()

	if expired := b.calls.Expire(b.opts.DelayedReplyTimeout); len(expired) > 0 {
		for _, call := range expired {
			caller := b.reg.Get(call.Caller)
			callee := b.reg.Get(call.Callee)
			if caller != nil {
				b.fail(caller, call.CallerCallID, wire.CodeTimeout, "delayed reply not received within %s", b.opts.DelayedReplyTimeout)
			}
			if callee != nil {
				sender := ""
				if caller != nil {
					sender = caller.Name
				}
				b.abandon(callee, call, sender, "delayed reply timed out")
				b.journal.Record(journal.Event{Kind: journal.KindExpired, App: callee.Name, Handle: uint64(callee.Handle), At: now})
			}
		}
		b.log.Warn("%d deferred call(s) expired", len(expired))
		b.metrics.Expired(len(expired))
	}
	b.snapshot()

	if b.opts.Suicide && !b.idleSince.IsZero() && now.Sub(b.idleSince) >= b.opts.SuicideGrace {
		return ErrSuicide
	}
	return nil
}

// updateIdle starts or stops the suicide grace period.
func (b *Broker) updateIdle() {
	if b.reg.CountNonDaemon() > 0 {
		b.idleSince = time.Time{}
		return
	}
	if b.idleSince.IsZero() {
		b.idleSince = b.now()
	}
}
