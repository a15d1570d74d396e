package client

import (
	"context"
	"sync"

	"github.com/tenzoki/agen/dcop/internal/wire"
)

// Request is an incoming call or one-way message.
type Request struct {
	Sender  string
	Object  string
	Method  string
	Payload []byte
	// OneWay is set for messages sent with Send; they take no reply.
	OneWay bool

	client *Client
	key    uint64

	mu        sync.Mutex
	responder *Responder
}

// Defer announces that the reply will come later and returns the Responder
// to send it with. The handler's return value is then ignored.
func (r *Request) Defer() (*Responder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responder != nil {
		return r.responder, nil
	}
	if r.OneWay {
		return nil, ErrInvalidRequest
	}
	if err := r.client.write(&wire.Frame{Opcode: wire.OpReplyDelayed, Receiver: r.Sender, CallID: r.key}); err != nil {
		return nil, err
	}
	r.responder = &Responder{client: r.client, key: r.key, caller: r.Sender}
	return r.responder, nil
}

func (r *Request) deferred() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responder != nil
}

// Responder answers a deferred call. Only the first Reply or Fail is sent.
type Responder struct {
	client *Client
	key    uint64
	caller string
	once   sync.Once
}

// Reply sends data as the result. It returns ErrPeerGone if the caller has
// gone away or the broker expired the call in the meantime.
func (r *Responder) Reply(data []byte) error {
	return r.finish(&wire.Frame{Opcode: wire.OpReply, Receiver: r.caller, CallID: r.key, Payload: data})
}

// Fail sends err as a failure reply.
func (r *Responder) Fail(err error) error {
	data, merr := wire.MarshalPayload(failureFor(err))
	if merr != nil {
		return merr
	}
	return r.finish(&wire.Frame{Opcode: wire.OpReplyFailed, Receiver: r.caller, CallID: r.key, Payload: data})
}

func (r *Responder) finish(f *wire.Frame) error {
	err := ErrPeerGone
	r.once.Do(func() {
		if !r.client.release(r.key) {
			return
		}
		err = r.client.write(f)
	})
	return err
}

// accept records an incoming call before its handler starts, so an abandon
// notice read right after the call finds it. It runs on the reader
// goroutine; one-way messages get a context nobody else cancels.
func (c *Client) accept(f *wire.Frame) {
	ctx, cancel := context.WithCancel(context.Background())
	if f.Opcode != wire.OpSend {
		c.mu.Lock()
		c.serving[f.CallID] = cancel
		c.mu.Unlock()
	}
	select {
	case <-c.done:
		cancel()
	default:
	}
	go c.serve(ctx, cancel, f)
}

// serve runs the handler for an incoming call in its own goroutine.
func (c *Client) serve(ctx context.Context, cancel context.CancelFunc, f *wire.Frame) {
	req := &Request{
		Sender:  f.Sender,
		Object:  f.Object,
		Method:  f.Method,
		Payload: f.Payload,
		OneWay:  f.Opcode == wire.OpSend,
		client:  c,
		key:     f.CallID,
	}

	if c.handler == nil {
		cancel()
		if !req.OneWay && c.release(req.key) {
			c.replyFailure(req, &wire.Failure{Code: wire.CodeInvalidRequest, Message: ErrNoHandler.Error()})
		}
		return
	}

	data, err := c.handler(ctx, req)
	if req.OneWay {
		cancel()
		if err != nil {
			c.log.Debug("Handler for one-way %s from %s failed: %v", req.Method, req.Sender, err)
		}
		return
	}
	if req.deferred() {
		return
	}
	if !c.release(req.key) {
		c.log.Debug("Call %d from %s abandoned before reply", req.key, req.Sender)
		return
	}
	if err != nil {
		c.replyFailure(req, failureFor(err))
		return
	}
	if werr := c.write(&wire.Frame{Opcode: wire.OpReply, Receiver: req.Sender, CallID: req.key, Payload: data}); werr != nil {
		c.log.Warn("Reply to %s failed: %v", req.Sender, werr)
	}
}

func (c *Client) replyFailure(req *Request, fl *wire.Failure) {
	data, err := wire.MarshalPayload(fl)
	if err != nil {
		return
	}
	if werr := c.write(&wire.Frame{Opcode: wire.OpReplyFailed, Receiver: req.Sender, CallID: req.key, Payload: data}); werr != nil {
		c.log.Warn("Failure reply to %s failed: %v", req.Sender, werr)
	}
}

// release ends the serving record of key and reports whether it was still
// open, i.e. the call was not abandoned.
func (c *Client) release(key uint64) bool {
	c.mu.Lock()
	cancel, ok := c.serving[key]
	delete(c.serving, key)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// abandon cancels the handler of a call whose caller is gone.
func (c *Client) abandon(key uint64) {
	if c.release(key) {
		c.log.Debug("Call %d abandoned by caller", key)
	}
}
