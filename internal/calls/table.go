// Package calls tracks synchronous calls in flight through the broker.
//
// A single table maps the broker-assigned call key to its record. Each
// connection additionally has two sets of keys: the calls it is waiting on
// as caller, and the calls it owes a reply to as callee. A record's Deferred
// tag distinguishes a normal pending reply from one the callee has
// explicitly postponed.
package calls

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tenzoki/agen/dcop/internal/registry"
)

var ErrUnknownCall = errors.New("no such outstanding call")

// Key is the broker-wide identifier of a call. It is what the callee sees as
// the call id, so ids chosen independently by different callers never
// collide.
type Key uint64

// Call is one outstanding synchronous call.
type Call struct {
	Key          Key
	Caller       registry.ID
	CallerCallID uint64
	Callee       registry.ID

	// Deferred is set once the callee announced a delayed reply.
	Deferred   bool
	Started    time.Time
	DeferredAt time.Time
}

// Orphan is a call removed by Purge. Survivor is the counterpart that is
// still attached, or zero when both sides are gone.
type Orphan struct {
	Call     *Call
	Survivor registry.ID
	// SurvivorIsCaller tells which side Survivor was on.
	SurvivorIsCaller bool
}

type keySet map[Key]struct{}

// Table is owned by the broker loop and is not safe for concurrent use.
type Table struct {
	calls   map[Key]*Call
	waiting map[registry.ID]keySet
	owes    map[registry.ID]keySet
	next    Key
	now     func() time.Time
}

// NewTable returns an empty table. Keys start at 1.
func NewTable() *Table {
	return &Table{
		calls:   make(map[Key]*Call),
		waiting: make(map[registry.ID]keySet),
		owes:    make(map[registry.ID]keySet),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for deterministic expiry in tests.
func (t *Table) SetClock(now func() time.Time) {
	t.now = now
}

// Begin records a call from caller to callee and returns it. The caller's
// own call id is kept so the reply can be addressed in its terms.
func (t *Table) Begin(caller registry.ID, callerCallID uint64, callee registry.ID) *Call {
	t.next++
	c := &Call{
		Key:          t.next,
		Caller:       caller,
		CallerCallID: callerCallID,
		Callee:       callee,
		Started:      t.now(),
	}
	t.calls[c.Key] = c
	add(t.waiting, caller, c.Key)
	add(t.owes, callee, c.Key)
	return c
}

// Defer marks a call as answered later by its callee.
func (t *Table) Defer(callee registry.ID, key Key) error {
	c, ok := t.calls[key]
	if !ok || c.Callee != callee {
		return fmt.Errorf("%w: %d", ErrUnknownCall, key)
	}
	if !c.Deferred {
		c.Deferred = true
		c.DeferredAt = t.now()
	}
	return nil
}

// Complete removes the call key owed by callee and returns it so the reply can
// be forwarded to the original caller. Stale or duplicate replies yield
// ErrUnknownCall.
func (t *Table) Complete(callee registry.ID, key Key) (*Call, error) {
	c, ok := t.calls[key]
	if !ok || c.Callee != callee {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCall, key)
	}
	t.remove(c)
	return c, nil
}

// Purge removes every call in which id takes part and reports the surviving
// counterpart of each. alive tells whether a connection is still attached.
func (t *Table) Purge(id registry.ID, alive func(registry.ID) bool) []Orphan {
	var keys []Key
	for k := range t.waiting[id] {
		keys = append(keys, k)
	}
	for k := range t.owes[id] {
		keys = append(keys, k)
	}
	// Deterministic order: failures go out in the order the calls were made.
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var orphans []Orphan
	for _, k := range keys {
		c, ok := t.calls[k]
		if !ok {
			// A call from id to itself appears in both sets.
			continue
		}
		t.remove(c)

		o := Orphan{Call: c}
		switch {
		case c.Caller == id && c.Callee != id && alive(c.Callee):
			o.Survivor = c.Callee
		case c.Callee == id && c.Caller != id && alive(c.Caller):
			o.Survivor = c.Caller
			o.SurvivorIsCaller = true
		}
		orphans = append(orphans, o)
	}
	delete(t.waiting, id)
	delete(t.owes, id)
	return orphans
}

// Expire removes deferred calls that have waited longer than timeout. A
// non-positive timeout disables expiry.
func (t *Table) Expire(timeout time.Duration) []*Call {
	if timeout <= 0 {
		return nil
	}
	now := t.now()
	var expired []*Call
	for _, c := range t.calls {
		if c.Deferred && now.Sub(c.DeferredAt) >= timeout {
			expired = append(expired, c)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Key < expired[j].Key })
	for _, c := range expired {
		t.remove(c)
	}
	return expired
}

func (t *Table) remove(c *Call) {
	delete(t.calls, c.Key)
	del(t.waiting, c.Caller, c.Key)
	del(t.owes, c.Callee, c.Key)
}

// Get returns the outstanding call for key, or nil.
func (t *Table) Get(key Key) *Call {
	return t.calls[key]
}

// Len returns the number of outstanding calls.
func (t *Table) Len() int {
	return len(t.calls)
}

// Waiting returns how many replies id is waiting for.
func (t *Table) Waiting(id registry.ID) int {
	return len(t.waiting[id])
}

// Owes returns how many replies id still owes, deferred or not.
func (t *Table) Owes(id registry.ID) int {
	return len(t.owes[id])
}

// Deferred returns how many of id's owed replies are deferred.
func (t *Table) Deferred(id registry.ID) int {
	n := 0
	for k := range t.owes[id] {
		if t.calls[k].Deferred {
			n++
		}
	}
	return n
}

// Involves reports whether id appears anywhere in the table.
func (t *Table) Involves(id registry.ID) bool {
	if len(t.waiting[id]) > 0 || len(t.owes[id]) > 0 {
		return true
	}
	for _, c := range t.calls {
		if c.Caller == id || c.Callee == id {
			return true
		}
	}
	return false
}

func add(m map[registry.ID]keySet, id registry.ID, k Key) {
	s, ok := m[id]
	if !ok {
		s = make(keySet)
		m[id] = s
	}
	s[k] = struct{}{}
}

func del(m map[registry.ID]keySet, id registry.ID, k Key) {
	s, ok := m[id]
	if !ok {
		return
	}
	delete(s, k)
	if len(s) == 0 {
		delete(m, id)
	}
}
