package registry

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopEndpoint struct{}

func (nopEndpoint) Enqueue([]byte) {}
func (nopEndpoint) Close() error { return nil }

func attach(t *testing.T, r *Registry, h Handle) *Connection {
	t.Helper()
	c, err := r.Attach(h, nopEndpoint{})
	require.NoError(t, err)
	return c
}

func TestRegistry_RegisterExact(t *testing.T) {
	r := New()
	c := attach(t, r, 1)
	assert.Equal(t, Anonymous, c.State)

	name, err := r.Register(c, "konqueror", false)
	require.NoError(t, err)
	assert.Equal(t, "konqueror", name)
	assert.Equal(t, Registered, c.State)
	assert.Same(t, c, r.Find("konqueror"))
	assert.Same(t, c, r.FindByHandle(1))
}

func TestRegistry_NameInUse(t *testing.T) {
	r := New()
	a := attach(t, r, 1)
	b := attach(t, r, 2)

	_, err := r.Register(a, "kwin", false)
	require.NoError(t, err)

	_, err = r.Register(b, "kwin", false)
	assert.ErrorIs(t, err, ErrNameInUse)
	assert.Equal(t, Anonymous, b.State)
	assert.Equal(t, "", b.Name)
}

func TestRegistry_Substitution(t *testing.T) {
	r := New()
	a := attach(t, r, 1)
	b := attach(t, r, 2)
	c := attach(t, r, 3)

	_, err := r.Register(a, "kwin", true)
	require.NoError(t, err)
	nb, err := r.Register(b, "kwin", true)
	require.NoError(t, err)
	nc, err := r.Register(c, "kwin", true)
	require.NoError(t, err)

	assert.Equal(t, "kwin-1", nb)
	assert.Equal(t, "kwin-2", nc)
}

func TestRegistry_AnonymousNames(t *testing.T) {
	r := New()
	a := attach(t, r, 10)
	b := attach(t, r, 11)

	na, err := r.Register(a, "", false)
	require.NoError(t, err)
	nb, err := r.Register(b, "", false)
	require.NoError(t, err)

	assert.Equal(t, "anonymous-1", na)
	assert.Equal(t, "anonymous-2", nb)
}

func TestRegistry_ReservedAndInvalidNames(t *testing.T) {
	r := New()
	c := attach(t, r, 1)

	_, err := r.Register(c, "DCOPServer", true)
	assert.ErrorIs(t, err, ErrReservedName)

	_, err = r.Register(c, "kde*", true)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRegistry_Rename(t *testing.T) {
	r := New()
	c := attach(t, r, 1)

	_, err := r.Register(c, "", false)
	require.NoError(t, err)
	_, err = r.Register(c, "kded", false)
	require.NoError(t, err)

	assert.Nil(t, r.Find("anonymous-1"))
	assert.Same(t, c, r.Find("kded"))
	assert.Equal(t, []string{"kded"}, r.Names())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := New()
	c := attach(t, r, 1)
	_, err := r.Register(c, "kicker", false)
	require.NoError(t, err)

	assert.True(t, r.Remove(c))
	assert.Equal(t, Gone, c.State)
	assert.Nil(t, r.Find("kicker"))
	assert.Nil(t, r.FindByHandle(1))
	assert.Nil(t, r.Get(c.ID))

	assert.False(t, r.Remove(c))
	assert.False(t, r.Remove(nil))
}

func TestRegistry_HandleInUse(t *testing.T) {
	r := New()
	attach(t, r, 1)
	_, err := r.Attach(1, nopEndpoint{})
	assert.ErrorIs(t, err, ErrHandleInUse)
}

func TestRegistry_MatchAndOrder(t *testing.T) {
	r := New()
	for i, name := range []string{"konsole", "kwin", "konqueror"} {
		c := attach(t, r, Handle(i+1))
		_, err := r.Register(c, name, false)
		require.NoError(t, err)
	}

	var matched []string
	for _, c := range r.Match("kon*") {
		matched = append(matched, c.Name)
	}
	assert.Equal(t, []string{"konsole", "konqueror"}, matched)
	assert.Equal(t, []string{"konsole", "kwin", "konqueror"}, r.Names())
}

func TestRegistry_CountNonDaemon(t *testing.T) {
	r := New()
	a := attach(t, r, 1)
	attach(t, r, 2)
	a.Daemon = true

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.CountNonDaemon())
}

// Random register/remove sequences never leave two live connections with the
// same name and keep all three indices consistent.
func TestRegistry_NameUniquenessFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := New()
	var live []*Connection
	next := Handle(1)

	for step := 0; step < 2000; step++ {
		switch rng.Intn(3) {
		case 0:
			c := attach(t, r, next)
			next++
			live = append(live, c)
		case 1:
			if len(live) == 0 {
				continue
			}
			c := live[rng.Intn(len(live))]
			name := fmt.Sprintf("app%d", rng.Intn(5))
			_, _ = r.Register(c, name, rng.Intn(2) == 0)
		case 2:
			if len(live) == 0 {
				continue
			}
			i := rng.Intn(len(live))
			r.Remove(live[i])
			live = append(live[:i], live[i+1:]...)
		}

		seen := make(map[string]bool)
		for _, c := range live {
			require.Same(t, c, r.Get(c.ID))
			require.Same(t, c, r.FindByHandle(c.Handle))
			if c.Name == "" {
				continue
			}
			require.False(t, seen[c.Name], "duplicate name %s", c.Name)
			seen[c.Name] = true
			require.Same(t, c, r.Find(c.Name))
		}
		require.Equal(t, len(seen), r.Registered())
		require.Equal(t, len(live), r.Len())
	}
}
