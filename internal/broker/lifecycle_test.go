package broker

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/agen/dcop/internal/journal"
	"github.com/tenzoki/agen/dcop/internal/metrics"
	"github.com/tenzoki/agen/dcop/internal/registry"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

func subscribe(t *testing.T, h *harness, c registry.Handle, publisher, signal string, volatile bool) {
	t.Helper()
	resp := h.call(c, &wire.Frame{
		Opcode:  wire.OpSubscribe,
		Payload: payload(t, &wire.SubscribeRequest{Publisher: publisher, Signal: signal, Volatile: volatile}),
	})
	require.Equal(t, wire.OpReply, resp.Opcode)
}

func TestCalleeLostFailsCaller(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, Options{Metrics: m})
	a := h.register("a")
	h.call(a, &wire.Frame{Opcode: wire.OpSetNotify, Payload: payload(t, &wire.Flag{On: true})})
	b := h.register("b")
	h.take(a)

	h.dispatch(a, &wire.Frame{Opcode: wire.OpCall, Receiver: "b", CallID: 7})
	require.Len(t, h.take(b), 1)

	h.b.ConnectionLost(b, io.EOF)

	frames := h.take(a)
	require.Len(t, frames, 2)
	fl := failure(t, frames[0])
	assert.Equal(t, wire.CodePeerGone, fl.Code)
	assert.Equal(t, uint64(7), frames[0].CallID)

	assert.Equal(t, wire.OpSignal, frames[1].Opcode)
	assert.Equal(t, wire.ServerName, frames[1].Sender)
	assert.Equal(t, wire.SignalRemoved, frames[1].Method)
	var n wire.Notification
	require.NoError(t, wire.UnmarshalPayload(frames[1].Payload, &n))
	assert.Equal(t, "b", n.App)

	assert.Nil(t, h.b.reg.Find("b"))
	assert.True(t, h.eps[b].closed)
	assert.Zero(t, h.b.calls.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SynthesizedFails))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsLost))
}

func TestCallerLostAbandonsCallee(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.register("a")
	b := h.register("b")

	h.dispatch(a, &wire.Frame{Opcode: wire.OpCall, Receiver: "b", CallID: 1})
	key := h.take(b)[0].CallID

	h.b.ConnectionLost(a, io.EOF)

	frames := h.take(b)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.OpReplyFailed, frames[0].Opcode)
	assert.Equal(t, wire.MethodAbandoned, frames[0].Method)
	assert.Equal(t, key, frames[0].CallID)

	// The callee's eventual answer is stale.
	h.dispatch(b, &wire.Frame{Opcode: wire.OpReply, CallID: key})
	assert.Empty(t, h.take(b))
	assert.Zero(t, h.b.calls.Len())
}

func TestDeferredCallSurvivesUntilCalleeLost(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.register("a")
	b := h.register("b")

	h.dispatch(a, &wire.Frame{Opcode: wire.OpCall, Receiver: "b", CallID: 5})
	key := h.take(b)[0].CallID
	h.dispatch(b, &wire.Frame{Opcode: wire.OpReplyDelayed, CallID: key})
	h.take(a)

	h.advance(time.Hour)
	require.NoError(t, h.b.Tick())
	assert.Equal(t, 1, h.b.calls.Len(), "no timeout configured")

	h.b.ConnectionLost(b, errors.New("reset by peer"))
	frames := h.take(a)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.CodePeerGone, failure(t, frames[0]).Code)
	assert.Equal(t, uint64(5), frames[0].CallID)
}

func TestConnectionLostIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.register("a")
	h.call(a, &wire.Frame{Opcode: wire.OpSetNotify, Payload: payload(t, &wire.Flag{On: true})})
	b := h.register("b")
	h.take(a)

	h.b.ConnectionLost(b, io.EOF)
	require.Len(t, h.take(a), 1)

	h.b.ConnectionLost(b, io.EOF)
	h.b.ConnectionLost(registry.Handle(999), io.EOF)
	assert.Empty(t, h.take(a))
	assert.Equal(t, 1, h.b.reg.Len())

	// Frames arriving after the loss are ignored.
	h.dispatch(b, &wire.Frame{Opcode: wire.OpSend, Receiver: "a"})
	assert.Empty(t, h.take(a))
}

func TestUnregister(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.register("a")
	h.call(a, &wire.Frame{Opcode: wire.OpSetNotify, Payload: payload(t, &wire.Flag{On: true})})
	b := h.register("b")
	h.take(a)

	h.dispatch(b, &wire.Frame{Opcode: wire.OpUnregister})
	assert.Nil(t, h.b.reg.Find("b"))
	assert.True(t, h.eps[b].closed)
	frames := h.take(a)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.SignalRemoved, frames[0].Method)
}

func TestNotificationsOnlyForNotifyConnections(t *testing.T) {
	h := newHarness(t, Options{})
	quiet := h.register("quiet")
	loud := h.register("loud")
	h.call(loud, &wire.Frame{Opcode: wire.OpSetNotify, Payload: payload(t, &wire.Flag{On: true})})

	// Explicit subscription to the server signal works without Notify.
	sub := h.register("sub")
	subscribe(t, h, sub, wire.ServerName, wire.SignalRegistered, false)
	h.take(loud)

	h.register("newcomer")
	assert.Empty(t, h.take(quiet))
	assert.Len(t, h.take(loud), 1)
	got := h.take(sub)
	require.Len(t, got, 1)
	assert.Equal(t, wire.SignalRegistered, got[0].Method)
}

func TestSignals(t *testing.T) {
	h := newHarness(t, Options{})
	pub := h.register("pub")
	exact := h.register("exact")
	wild := h.register("wild")
	other := h.register("other")

	subscribe(t, h, exact, "pub", "changed(int)", false)
	subscribe(t, h, wild, "", "changed(int)", false)
	subscribe(t, h, other, "pub", "closed()", false)

	h.dispatch(pub, &wire.Frame{Opcode: wire.OpSignal, Object: "doc", Method: "changed(int)", Payload: []byte{1}})
	for _, c := range []registry.Handle{exact, wild} {
		frames := h.take(c)
		require.Len(t, frames, 1)
		assert.Equal(t, wire.OpSignal, frames[0].Opcode)
		assert.Equal(t, "pub", frames[0].Sender)
		assert.Equal(t, "doc", frames[0].Object)
		assert.Equal(t, []byte{1}, frames[0].Payload)
	}
	assert.Empty(t, h.take(other))
	assert.Empty(t, h.take(pub))

	// Another publisher only reaches the wildcard subscriber.
	h.dispatch(other, &wire.Frame{Opcode: wire.OpSignal, Method: "changed(int)"})
	assert.Empty(t, h.take(exact))
	assert.Len(t, h.take(wild), 1)

	resp := h.call(exact, &wire.Frame{Opcode: wire.OpUnsubscribe, Payload: payload(t, &wire.SubscribeRequest{Publisher: "pub", Signal: "changed(int)"})})
	var flag wire.Flag
	require.NoError(t, wire.UnmarshalPayload(resp.Payload, &flag))
	assert.True(t, flag.On)

	h.dispatch(pub, &wire.Frame{Opcode: wire.OpSignal, Method: "changed(int)"})
	assert.Empty(t, h.take(exact))
}

func TestVolatileSubscriptionsDropWithPublisher(t *testing.T) {
	h := newHarness(t, Options{})
	pub := h.register("pub")
	vol := h.register("vol")
	keep := h.register("keep")

	subscribe(t, h, vol, "pub", "tick()", true)
	subscribe(t, h, keep, "pub", "tick()", false)
	require.Equal(t, 2, h.b.signals.Len())

	h.b.ConnectionLost(pub, io.EOF)
	assert.Equal(t, 1, h.b.signals.Len())

	// A new application under the same name reaches the survivor only.
	pub = h.register("pub")
	h.dispatch(pub, &wire.Frame{Opcode: wire.OpSignal, Method: "tick()"})
	assert.Empty(t, h.take(vol))
	assert.Len(t, h.take(keep), 1)

	// Losing a subscriber removes all its subscriptions.
	h.b.ConnectionLost(keep, io.EOF)
	assert.Zero(t, h.b.signals.Len())

	h.dispatch(pub, &wire.Frame{Opcode: wire.OpSignal, Method: "tick()"})
	assert.Empty(t, h.take(keep))
	assert.Empty(t, h.take(vol))
	assert.Empty(t, h.take(pub))
}

func TestSignalAfterSubscriberLost(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, Options{Metrics: m})
	pub := h.register("pub")
	sub := h.register("sub")
	subscribe(t, h, sub, "pub", "changed()", false)
	subscribe(t, h, sub, "", "changed()", true)

	h.dispatch(pub, &wire.Frame{Opcode: wire.OpSignal, Method: "changed()"})
	require.Len(t, h.take(sub), 1)

	subID := h.conn(sub).ID
	h.b.ConnectionLost(sub, io.EOF)
	assert.Zero(t, h.b.signals.Len())
	assert.Zero(t, h.b.signals.SubscribedBy(subID))

	h.dispatch(pub, &wire.Frame{Opcode: wire.OpSignal, Method: "changed()"})
	assert.Empty(t, h.take(sub))
	assert.Empty(t, h.take(pub))
	assert.False(t, h.eps[pub].closed)
	assert.NotNil(t, h.conn(pub))
}

func TestDelayedReplyTimeout(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, Options{Metrics: m, DelayedReplyTimeout: 30 * time.Second})
	a := h.register("a")
	b := h.register("b")

	h.dispatch(a, &wire.Frame{Opcode: wire.OpCall, Receiver: "b", CallID: 11})
	key := h.take(b)[0].CallID
	h.dispatch(b, &wire.Frame{Opcode: wire.OpReplyDelayed, CallID: key})
	h.take(a)

	h.advance(29 * time.Second)
	require.NoError(t, h.b.Tick())
	assert.Empty(t, h.take(a))

	h.advance(time.Second)
	require.NoError(t, h.b.Tick())

	frames := h.take(a)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.CodeTimeout, failure(t, frames[0]).Code)
	assert.Equal(t, uint64(11), frames[0].CallID)

	abandon := h.take(b)
	require.Len(t, abandon, 1)
	assert.Equal(t, wire.MethodAbandoned, abandon[0].Method)
	assert.Zero(t, h.b.calls.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpiredCalls))
}

func TestUndeferredCallsNeverExpire(t *testing.T) {
	h := newHarness(t, Options{DelayedReplyTimeout: time.Second})
	a := h.register("a")
	h.register("b")

	h.dispatch(a, &wire.Frame{Opcode: wire.OpCall, Receiver: "b", CallID: 1})
	h.advance(time.Hour)
	require.NoError(t, h.b.Tick())
	assert.Equal(t, 1, h.b.calls.Len())
}

func TestSuicide(t *testing.T) {
	h := newHarness(t, Options{Suicide: true, SuicideGrace: 10 * time.Second})
	a := h.register("a")

	h.advance(time.Minute)
	require.NoError(t, h.b.Tick(), "a non-daemon client keeps the broker alive")

	h.call(a, &wire.Frame{Opcode: wire.OpSetDaemon, Payload: payload(t, &wire.Flag{On: true})})
	h.advance(5 * time.Second)
	require.NoError(t, h.b.Tick())

	// A client connecting during the grace period resets it.
	b := h.connect()
	h.advance(10 * time.Second)
	require.NoError(t, h.b.Tick())

	h.b.ConnectionLost(b, io.EOF)
	h.advance(9 * time.Second)
	require.NoError(t, h.b.Tick())
	h.advance(time.Second)
	assert.ErrorIs(t, h.b.Tick(), ErrSuicide)
}

func TestSuicideDisabled(t *testing.T) {
	h := newHarness(t, Options{SuicideGrace: time.Second})
	h.advance(time.Hour)
	assert.NoError(t, h.b.Tick())
}

func TestJournalRecordsLifecycle(t *testing.T) {
	j, err := journal.Open(journal.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	defer j.Close()

	h := newHarness(t, Options{Journal: j})
	a := h.register("a")
	b := h.register("b")
	h.b.ConnectionLost(b, io.EOF)
	require.NoError(t, j.Flush(5*time.Second))

	resp := h.call(a, &wire.Frame{
		Opcode:   wire.OpCall,
		Receiver: wire.ServerName,
		Method:   wire.MethodRecentEvents,
		Payload:  payload(t, &wire.EventQuery{App: "b"}),
	})
	require.Equal(t, wire.OpReply, resp.Opcode)

	var events []journal.Event
	require.NoError(t, wire.UnmarshalPayload(resp.Payload, &events))
	require.Len(t, events, 2)
	kinds := []journal.Kind{events[0].Kind, events[1].Kind}
	assert.ElementsMatch(t, []journal.Kind{journal.KindRegistered, journal.KindRemoved}, kinds)
}

var fuzzSignals = []string{"a()", "b(int)"}

// TestRandomizedInvariants drives the broker with random traffic,
// subscriptions and disconnects and checks the table invariants after every
// step.
func TestRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := newHarness(t, Options{DelayedReplyTimeout: 5 * time.Second})

	var live, lost []registry.Handle
	var dead []registry.ID
	names := 0
	pending := make(map[registry.Handle][]uint64)
	subscriptions := 0

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(12); {
		case op < 2 || len(live) < 2:
			names++
			c := h.register(fmt.Sprintf("app%d", names))
			live = append(live, c)
		case op < 5:
			from := live[rng.Intn(len(live))]
			to := h.conn(live[rng.Intn(len(live))])
			h.dispatch(from, &wire.Frame{Opcode: wire.OpCall, Receiver: to.Name, CallID: uint64(step)})
		case op < 7:
			c := live[rng.Intn(len(live))]
			if keys := pending[c]; len(keys) > 0 {
				i := rng.Intn(len(keys))
				opcode := wire.OpReply
				if rng.Intn(3) == 0 {
					opcode = wire.OpReplyDelayed
				}
				h.dispatch(c, &wire.Frame{Opcode: opcode, CallID: keys[i]})
				if opcode == wire.OpReply {
					pending[c] = append(keys[:i], keys[i+1:]...)
				}
			}
		case op < 8:
			h.advance(time.Duration(rng.Intn(3)) * time.Second)
			require.NoError(t, h.b.Tick())
		case op < 9:
			c := live[rng.Intn(len(live))]
			publisher := ""
			if rng.Intn(3) > 0 {
				publisher = h.conn(live[rng.Intn(len(live))]).Name
			}
			h.dispatch(c, &wire.Frame{
				Opcode: wire.OpSubscribe,
				CallID: uint64(step),
				Payload: payload(t, &wire.SubscribeRequest{
					Publisher: publisher,
					Signal:    fuzzSignals[rng.Intn(len(fuzzSignals))],
					Volatile:  rng.Intn(2) == 0,
				}),
			})
			subscriptions++
		case op < 10:
			c := live[rng.Intn(len(live))]
			h.dispatch(c, &wire.Frame{Opcode: wire.OpSignal, Method: fuzzSignals[rng.Intn(len(fuzzSignals))]})
		default:
			i := rng.Intn(len(live))
			dead = append(dead, h.conn(live[i]).ID)
			h.b.ConnectionLost(live[i], io.EOF)
			h.take(live[i])
			lost = append(lost, live[i])
			delete(pending, live[i])
			live = append(live[:i], live[i+1:]...)
		}

		// Collect forwarded calls so callees can answer them.
		for _, c := range live {
			for _, f := range h.take(c) {
				if f.Opcode == wire.OpCall {
					pending[c] = append(pending[c], f.CallID)
				}
			}
		}
		for _, c := range lost {
			require.Empty(t, h.take(c), "frame sent to lost connection %d", c)
		}
		checkInvariants(t, h, live, dead)
	}
	require.NotZero(t, subscriptions)

	for _, c := range live {
		h.b.ConnectionLost(c, io.EOF)
	}
	assert.Zero(t, h.b.reg.Len())
	assert.Zero(t, h.b.calls.Len())
	assert.Zero(t, h.b.signals.Len())
}

func checkInvariants(t *testing.T, h *harness, live []registry.Handle, dead []registry.ID) {
	t.Helper()

	seen := make(map[string]bool)
	for _, name := range h.b.reg.Names() {
		require.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
		c := h.b.reg.Find(name)
		require.NotNil(t, c)
		require.Equal(t, c, h.b.reg.FindByHandle(c.Handle))
	}

	total := 0
	h.b.reg.Each(func(c *registry.Connection) {
		total += h.b.calls.Waiting(c.ID)
	})
	require.Equal(t, h.b.calls.Len(), total, "every call has a live caller")

	total = 0
	h.b.reg.Each(func(c *registry.Connection) {
		total += h.b.calls.Owes(c.ID)
	})
	require.Equal(t, h.b.calls.Len(), total, "every call has a live callee")

	for _, id := range dead {
		require.Zero(t, h.b.signals.SubscribedBy(id), "lost connection %d still subscribed", id)
		require.False(t, h.b.calls.Involves(id), "lost connection %d still in a call", id)
	}

	publishers := []string{""}
	for _, c := range live {
		publishers = append(publishers, h.conn(c).Name)
	}
	total = 0
	h.b.reg.Each(func(c *registry.Connection) {
		total += h.b.signals.SubscribedBy(c.ID)
	})
	require.Equal(t, h.b.signals.Len(), total, "every subscription has a live subscriber")
	for _, pub := range publishers {
		for _, sig := range fuzzSignals {
			for _, id := range h.b.signals.Subscribers(pub, sig) {
				require.NotNil(t, h.b.reg.Get(id), "subscriber %d of %s/%s is gone", id, pub, sig)
			}
		}
	}
}
