// Package signals keeps publish/subscribe connections between applications.
//
// A subscription is keyed by the publishing application's name and the
// signal name; an empty publisher matches the signal from any application.
// Volatile subscriptions are dropped when their publisher disappears,
// non-volatile ones survive until the publisher name comes back.
package signals

import "github.com/tenzoki/agen/dcop/internal/registry"

type key struct {
	publisher string
	signal    string
}

type subscription struct {
	id       registry.ID
	volatile bool
}

// Registry is owned by the broker loop and is not safe for concurrent use.
type Registry struct {
	subs map[key][]subscription
}

// New returns an empty subscription registry.
func New() *Registry {
	return &Registry{subs: make(map[key][]subscription)}
}

// Subscribe adds id to (publisher, signal). It returns false if id was
// already subscribed; the volatile flag is then updated in place.
func (r *Registry) Subscribe(id registry.ID, publisher, signal string, volatile bool) bool {
	k := key{publisher, signal}
	list := r.subs[k]
	for i := range list {
		if list[i].id == id {
			list[i].volatile = volatile
			return false
		}
	}
	r.subs[k] = append(list, subscription{id: id, volatile: volatile})
	return true
}

// Unsubscribe removes id from (publisher, signal) and reports whether it was
// subscribed.
func (r *Registry) Unsubscribe(id registry.ID, publisher, signal string) bool {
	k := key{publisher, signal}
	list := r.subs[k]
	for i := range list {
		if list[i].id == id {
			r.set(k, append(list[:i], list[i+1:]...))
			return true
		}
	}
	return false
}

// Subscribers returns every connection subscribed to signal from publisher:
// exact subscriptions first, then wildcard ones, each id once.
func (r *Registry) Subscribers(publisher, signal string) []registry.ID {
	var out []registry.ID
	seen := make(map[registry.ID]bool)
	for _, k := range []key{{publisher, signal}, {"", signal}} {
		for _, s := range r.subs[k] {
			if !seen[s.id] {
				seen[s.id] = true
				out = append(out, s.id)
			}
		}
	}
	return out
}

// Sweep removes id as a subscriber everywhere and drops volatile
// subscriptions to the publisher name it was registered under.
func (r *Registry) Sweep(id registry.ID, name string) {
	for k, list := range r.subs {
		kept := list[:0]
		for _, s := range list {
			if s.id == id {
				continue
			}
			if name != "" && k.publisher == name && s.volatile {
				continue
			}
			kept = append(kept, s)
		}
		r.set(k, kept)
	}
}

func (r *Registry) set(k key, list []subscription) {
	if len(list) == 0 {
		delete(r.subs, k)
		return
	}
	r.subs[k] = list
}

// Len returns the total number of subscriptions.
func (r *Registry) Len() int {
	n := 0
	for _, list := range r.subs {
		n += len(list)
	}
	return n
}

// SubscribedBy returns how many subscriptions id holds.
func (r *Registry) SubscribedBy(id registry.ID) int {
	n := 0
	for _, list := range r.subs {
		for _, s := range list {
			if s.id == id {
				n++
			}
		}
	}
	return n
}
