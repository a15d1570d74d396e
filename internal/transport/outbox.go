package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrOutboxFull is reported when a peer lets more output pile up than the
// outbox limit allows.
var ErrOutboxFull = errors.New("output queue limit exceeded")

// Outbox is the output queue of one connection.
//
// Encoded frames are appended whole. Flush writes from the head buffer at its
// retained offset; when the writer accepts only part of it the offset is
// advanced and the remainder stays queued, so the next Flush resumes exactly
// where the previous one stopped. Bytes are never reordered or duplicated.
//
// The blocked flag is set whenever a Flush leaves data queued and is cleared
// only when a Flush drains the queue completely.
//
// Enqueue may be called from any goroutine and never waits for a write in
// progress. Flush must only be called from one goroutine at a time.
type Outbox struct {
	mu      sync.Mutex
	queue   [][]byte
	offset  int
	pending int
	blocked bool
	// limit caps pending bytes; zero means unlimited.
	limit int
}

// Enqueue appends data to the queue. The caller must not modify data
// afterwards. Data that would push the queue past its limit is refused with
// ErrOutboxFull.
func (o *Outbox) Enqueue(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && o.pending+len(data) > o.limit {
		return fmt.Errorf("%w: %d bytes pending, limit %d", ErrOutboxFull, o.pending, o.limit)
	}
	o.queue = append(o.queue, data)
	o.pending += len(data)
	return nil
}

// Flush writes queued data to w until the queue is empty or w fails. It
// reports whether the queue was drained; a non-nil error is the write error
// that stopped it (a deadline error for a slow peer). The lock is not held
// during w.Write.
func (o *Outbox) Flush(w io.Writer) (bool, error) {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.queue = nil
			o.blocked = false
			o.mu.Unlock()
			return true, nil
		}
		chunk := o.queue[0][o.offset:]
		o.mu.Unlock()

		n, err := w.Write(chunk)

		o.mu.Lock()
		if n > 0 {
			o.offset += n
			o.pending -= n
		}
		if o.offset == len(o.queue[0]) {
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.offset = 0
		}
		if err == nil && n == 0 {
			// A writer making no progress without an error is a short write.
			err = io.ErrShortWrite
		}
		if err != nil {
			o.blocked = len(o.queue) > 0
			drained := !o.blocked
			o.mu.Unlock()
			return drained, err
		}
		o.mu.Unlock()
	}
}

// Blocked reports whether the last Flush left data behind.
func (o *Outbox) Blocked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.blocked
}

// Pending returns the number of queued bytes not yet written.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}
