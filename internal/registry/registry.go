// Package registry keeps the set of attached client connections.
//
// Connections live in a single arena keyed by a stable ID. Two auxiliary
// indices map the registered application name and the transport handle back
// to that ID; both are updated in the same call as every insert, rename and
// removal so the three views never disagree.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tenzoki/agen/dcop/internal/wire"
)

var (
	ErrNameInUse    = errors.New("application name already in use")
	ErrReservedName = errors.New("application name is reserved")
	ErrNotAttached  = errors.New("connection not attached")
	ErrHandleInUse  = errors.New("transport handle already attached")
	ErrInvalidName  = errors.New("invalid application name")
)

// anonymousBase is the basename for clients registering without a name.
const anonymousBase = "anonymous"

// Registry indexes connections by ID, name and transport handle. It is not
// safe for concurrent use; the broker loop is its only owner.
type Registry struct {
	conns    map[ID]*Connection
	byName   map[string]ID
	byHandle map[Handle]ID

	// order keeps registration order for listings and wildcard matches.
	order []ID

	nextID  ID
	nextSeq uint64
	// suffix is the monotonically increasing N of substituted basename-N names.
	suffix uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		conns:    make(map[ID]*Connection),
		byName:   make(map[string]ID),
		byHandle: make(map[Handle]ID),
	}
}

// Attach creates an anonymous connection for a freshly accepted transport
// handle.
func (r *Registry) Attach(handle Handle, out Endpoint) (*Connection, error) {
	if _, exists := r.byHandle[handle]; exists {
		return nil, fmt.Errorf("%w: %d", ErrHandleInUse, handle)
	}
	r.nextID++
	r.nextSeq++
	c := &Connection{
		ID:      r.nextID,
		Handle:  handle,
		State:   Anonymous,
		Seq:     r.nextSeq,
		Out:     out,
		Created: time.Now(),
	}
	r.conns[c.ID] = c
	r.byHandle[handle] = c.ID
	return c, nil
}

// Register binds c to name and returns the name actually assigned.
//
// An empty name yields "anonymous-N" where N is the connection's creation
// sequence. A taken name yields "name-N" when allowSubstitute is set and
// ErrNameInUse otherwise, in which case c keeps its previous state.
// Registering an already registered connection renames it.
func (r *Registry) Register(c *Connection, name string, allowSubstitute bool) (string, error) {
	if r.conns[c.ID] != c {
		return "", ErrNotAttached
	}
	if strings.ContainsAny(name, "*") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name == wire.ServerName {
		return "", ErrReservedName
	}

	var assigned string
	switch {
	case name == "":
		assigned = r.unique(fmt.Sprintf("%s-%d", anonymousBase, c.Seq))
	case r.taken(name, c):
		if !allowSubstitute {
			return "", fmt.Errorf("%w: %s", ErrNameInUse, name)
		}
		assigned = r.unique(name)
	default:
		assigned = name
	}

	if c.Name != "" {
		delete(r.byName, c.Name)
	} else {
		r.order = append(r.order, c.ID)
	}
	c.Name = assigned
	c.State = Registered
	r.byName[assigned] = c.ID
	return assigned, nil
}

func (r *Registry) taken(name string, c *Connection) bool {
	id, ok := r.byName[name]
	return ok && id != c.ID
}

// unique returns name itself if free, otherwise the first free name-N.
func (r *Registry) unique(name string) string {
	if _, ok := r.byName[name]; !ok && name != wire.ServerName {
		return name
	}
	for {
		r.suffix++
		candidate := fmt.Sprintf("%s-%d", name, r.suffix)
		if _, ok := r.byName[candidate]; !ok {
			return candidate
		}
	}
}

// Remove drops c from all indices. It returns false if c was already gone.
func (r *Registry) Remove(c *Connection) bool {
	if c == nil || r.conns[c.ID] != c {
		return false
	}
	delete(r.conns, c.ID)
	delete(r.byHandle, c.Handle)
	if c.Name != "" && r.byName[c.Name] == c.ID {
		delete(r.byName, c.Name)
	}
	for i, id := range r.order {
		if id == c.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	c.State = Gone
	return true
}

// Get returns the live connection with id, or nil.
func (r *Registry) Get(id ID) *Connection {
	return r.conns[id]
}

// Find returns the registered connection named name.
func (r *Registry) Find(name string) *Connection {
	id, ok := r.byName[name]
	if !ok {
		return nil
	}
	return r.conns[id]
}

// FindByHandle maps a transport handle to its connection.
func (r *Registry) FindByHandle(h Handle) *Connection {
	id, ok := r.byHandle[h]
	if !ok {
		return nil
	}
	return r.conns[id]
}

// Names lists registered application names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		names = append(names, r.conns[id].Name)
	}
	return names
}

// Match returns registered connections whose name matches the receiver
// pattern, in registration order.
func (r *Registry) Match(pattern string) []*Connection {
	var out []*Connection
	for _, id := range r.order {
		c := r.conns[id]
		if wire.MatchPattern(pattern, c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// Each calls fn for every attached connection, registered or not.
func (r *Registry) Each(fn func(*Connection)) {
	for _, c := range r.conns {
		fn(c)
	}
}

// Len returns the number of attached connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// Registered returns the number of connections holding a name.
func (r *Registry) Registered() int {
	return len(r.byName)
}

// CountNonDaemon returns the number of attached connections that keep a
// suicidal broker alive.
func (r *Registry) CountNonDaemon() int {
	n := 0
	for _, c := range r.conns {
		if !c.Daemon {
			n++
		}
	}
	return n
}
