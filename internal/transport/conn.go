package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tenzoki/agen/dcop/internal/registry"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

// retryInterval paces write attempts while a peer is not draining its socket.
const retryInterval = 20 * time.Millisecond

const readBufferSize = 64 << 10

// DefaultMaxPending is the output a peer may leave unread before its
// connection is dropped.
const DefaultMaxPending = 8 << 20

// Conn is one accepted client connection. It implements registry.Endpoint.
//
// A reader goroutine feeds a wire.Splitter and hands complete frames to the
// Sink in receive order. A writer goroutine drains the Outbox under a short
// write deadline, so a slow peer only ever produces partial writes; the
// unwritten remainder is retried until the peer catches up. Lost is reported
// to the Sink at most once, by whichever side fails first.
type Conn struct {
	handle       registry.Handle
	nc           net.Conn
	sink         Sink
	writeTimeout time.Duration

	out  Outbox
	wake chan struct{}

	closing      chan struct{}
	closeOnce    sync.Once
	lostOnce     sync.Once
	overflowOnce sync.Once
	done         chan struct{}
}

func newConn(h registry.Handle, nc net.Conn, sink Sink, writeTimeout time.Duration, maxPending int) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 50 * time.Millisecond
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	c := &Conn{
		handle:       h,
		nc:           nc,
		sink:         sink,
		writeTimeout: writeTimeout,
		wake:         make(chan struct{}, 1),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.out.limit = maxPending
	return c
}

// Handle identifies the connection to the Sink.
func (c *Conn) Handle() registry.Handle {
	return c.handle
}

// RemoteAddr returns the peer address for log lines.
func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return c.nc.LocalAddr().Network()
}

// Enqueue queues an encoded frame. It never blocks, not even while the
// writer is stuck on a slow peer. A peer that lets its outbox overflow is
// reported lost; the report is made from a separate goroutine because
// Enqueue runs on the broker loop, which is also the Sink.
func (c *Conn) Enqueue(data []byte) {
	if err := c.out.Enqueue(data); err != nil {
		c.overflowOnce.Do(func() {
			go c.lost(err)
		})
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Blocked reports whether output is waiting on a slow peer.
func (c *Conn) Blocked() bool {
	return c.out.Blocked()
}

// Close makes one last attempt to deliver queued output and then closes the
// socket. It does not wait and may be called more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

// Done is closed once both goroutines of the connection have exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) start() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()
}

func (c *Conn) lost(err error) {
	c.lostOnce.Do(func() {
		c.sink.Lost(c.handle, err)
	})
	c.Close()
}

func (c *Conn) readLoop() {
	var splitter wire.Splitter
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			splitter.Feed(buf[:n])
			for {
				f, perr := splitter.Next()
				if perr != nil {
					c.lost(perr)
					return
				}
				if f == nil {
					break
				}
				c.sink.Received(c.handle, f)
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			c.lost(err)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.nc.Close()

	retry := time.NewTimer(retryInterval)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-c.wake:
		case <-retry.C:
		case <-c.closing:
			c.flush()
			return
		}

		drained, err := c.flush()
		switch {
		case err == nil && drained:
		case err == nil || isTimeout(err):
			retry.Reset(retryInterval)
		default:
			c.lost(err)
			return
		}
	}
}

func (c *Conn) flush() (bool, error) {
	if c.out.Pending() == 0 {
		return true, nil
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.out.Flush(c.nc)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrShortWrite)
}
