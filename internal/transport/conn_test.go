package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnEnqueueWhileWriterBlocked(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	sink := newRecordingSink()
	c := newConn(1, server, sink, 300*time.Millisecond, 0)
	c.start()
	defer c.Close()

	// The peer never reads, so the writer sits in Write until its deadline.
	c.Enqueue(bytes.Repeat([]byte{'x'}, 64<<10))
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	c.Enqueue([]byte("0123456789"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 64<<10+10, c.out.Pending())
}

func TestConnOverflowReportsLost(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	sink := newRecordingSink()
	c := newConn(7, server, sink, 20*time.Millisecond, 1024)
	c.start()

	for i := 0; i < 3; i++ {
		c.Enqueue(bytes.Repeat([]byte{'x'}, 512))
	}

	ev := sink.next(t)
	assert.Equal(t, "lost", ev.kind)
	assert.Equal(t, uint64(7), uint64(ev.handle))
	assert.ErrorIs(t, ev.err, ErrOutboxFull)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("overflowed connection was not closed")
	}
}
