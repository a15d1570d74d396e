package broker

import (
	"github.com/tenzoki/agen/dcop/internal/journal"
	"github.com/tenzoki/agen/dcop/internal/registry"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

const defaultEventLimit = 50

// serveCall answers a call addressed to ServerName.
func (b *Broker) serveCall(c *registry.Connection, f *wire.Frame) {
	switch f.Method {
	case wire.MethodRegisteredApplications:
		b.reply(c, f.CallID, &wire.NameList{Names: b.reg.Names()})

	case wire.MethodIsApplicationRegistered:
		var q wire.Notification
		if err := wire.UnmarshalPayload(f.Payload, &q); err != nil {
			b.fail(c, f.CallID, wire.CodeInvalidRequest, "%v", err)
			return
		}
		b.reply(c, f.CallID, &wire.Flag{On: b.isRegistered(q.App)})

	case wire.MethodRecentEvents:
		q := wire.EventQuery{Limit: defaultEventLimit}
		if len(f.Payload) > 0 {
			if err := wire.UnmarshalPayload(f.Payload, &q); err != nil {
				b.fail(c, f.CallID, wire.CodeInvalidRequest, "%v", err)
				return
			}
		}
		if q.Limit <= 0 {
			q.Limit = defaultEventLimit
		}
		var events []journal.Event
		var err error
		if q.App != "" {
			events, err = b.journal.ForApp(q.App, q.Limit)
		} else {
			events, err = b.journal.Recent(q.Limit)
		}
		if err != nil {
			b.fail(c, f.CallID, wire.CodeApplicationError, "%v", err)
			return
		}
		b.reply(c, f.CallID, &events)

	default:
		b.fail(c, f.CallID, wire.CodeInvalidRequest, "%s has no function %q", wire.ServerName, f.Method)
	}
}
