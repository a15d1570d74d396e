package wire

import (
	"encoding/binary"
	"fmt"
)

// Splitter reassembles frames from a byte stream. Input may arrive in
// arbitrary pieces; bytes of an incomplete frame are retained until the rest
// of it has been fed.
type Splitter struct {
	buf []byte
}

// Feed appends newly read bytes to the input buffer.
func (s *Splitter) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Buffered returns the number of bytes not yet consumed as frames.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Next returns the next complete frame, or nil if more input is needed. A
// non-nil error means the stream is corrupt and the connection must be
// dropped.
func (s *Splitter) Next() (*Frame, error) {
	if len(s.buf) < headerSize {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(s.buf)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	end := headerSize + int(size)
	if len(s.buf) < end {
		return nil, nil
	}

	f, err := Decode(s.buf[headerSize:end])
	if err != nil {
		return nil, err
	}

	// Compact so a long-lived connection does not keep growing its backing array.
	rest := copy(s.buf, s.buf[end:])
	s.buf = s.buf[:rest]
	return f, nil
}
