package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := setupTestJournal(t)

	base := time.Now()
	j.Record(Event{Kind: KindRegistered, App: "konqueror", At: base})
	j.Record(Event{Kind: KindRegistered, App: "kmail", At: base.Add(time.Millisecond)})
	j.Record(Event{Kind: KindRemoved, App: "konqueror", At: base.Add(2 * time.Millisecond)})
	require.NoError(t, j.Flush(5*time.Second))

	events, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, KindRemoved, events[0].Kind)
	assert.Equal(t, "kmail", events[1].App)
	assert.Equal(t, "konqueror", events[2].App)
	for _, ev := range events {
		assert.NotEmpty(t, ev.ID)
	}
}

func TestRecentLimit(t *testing.T) {
	j := setupTestJournal(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		j.Record(Event{Kind: KindRegistered, App: "app", Handle: uint64(i), At: base.Add(time.Duration(i) * time.Millisecond)})
	}
	require.NoError(t, j.Flush(5*time.Second))

	events, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Handle)
	assert.Equal(t, uint64(3), events[1].Handle)
}

func TestForApp(t *testing.T) {
	j := setupTestJournal(t)

	j.Record(Event{Kind: KindRegistered, App: "a"})
	j.Record(Event{Kind: KindRegistered, App: "b"})
	j.Record(Event{Kind: KindRemoved, App: "a"})
	require.NoError(t, j.Flush(5*time.Second))

	events, err := j.ForApp("a", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	j.Record(Event{Kind: KindStarted})
	require.NoError(t, j.Close())

	j, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer j.Close()

	events, err := j.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindStarted, events[0].Kind)
}

func TestClosedJournal(t *testing.T) {
	j, err := Open(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	j.Record(Event{Kind: KindStarted})
	_, err = j.Recent(1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.Flush(time.Second), ErrClosed)
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	j.Record(Event{Kind: KindStarted})
	events, err := j.Recent(1)
	assert.NoError(t, err)
	assert.Nil(t, events)
	assert.NoError(t, j.Flush(time.Second))
	assert.NoError(t, j.Close())
	assert.Zero(t, j.Dropped())
}

func TestOpenRequiresConfig(t *testing.T) {
	_, err := Open(nil)
	assert.Error(t, err)
}
