// Package client is the application side of the dcop broker protocol.
//
// A Client holds one connection to the broker. Outgoing calls are correlated
// by call id: each Call registers a pending entry, writes the frame and waits
// for the matching reply, so any number of goroutines may call concurrently.
// Incoming calls are served by the Handler in their own goroutines; a handler
// that cannot answer right away defers the reply with Request.Defer and
// answers later through the returned Responder.
//
// Called by: cmd/dcop, applications embedding the broker protocol
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenzoki/agen/dcop/internal/journal"
	"github.com/tenzoki/agen/dcop/internal/logging"
	"github.com/tenzoki/agen/dcop/internal/transport"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

// DefaultTimeout bounds calls made without a context deadline.
const DefaultTimeout = 30 * time.Second

// Handler serves an incoming call or one-way message. The returned data is
// the reply payload; a returned error becomes a failure reply. ctx is
// cancelled when the caller goes away or the call times out in the broker.
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// Signal is one delivered signal.
type Signal struct {
	Sender  string
	Object  string
	Name    string
	Payload []byte
}

type SignalFunc func(Signal)

// NotifyFunc receives application registration changes after SetNotify.
type NotifyFunc func(app string, registered bool)

// Options configure a Client. The zero value is usable.
type Options struct {
	Logger *logging.Logger
	// Timeout bounds calls whose context carries no deadline. A call whose
	// callee deferred the reply is no longer subject to it.
	Timeout time.Duration
	Handler Handler
}

type pendingCall struct {
	ch chan *wire.Frame
}

type signalKey struct {
	publisher string
	signal    string
}

// subscription wraps a callback so a failed Subscribe can remove exactly
// the one it added.
type subscription struct {
	fn SignalFunc
}

// Client is one connection to the broker. It is safe for concurrent use.
type Client struct {
	conn    net.Conn
	log     *logging.Logger
	timeout time.Duration
	handler Handler

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu       sync.Mutex
	name     string
	pending  map[uint64]*pendingCall
	serving  map[uint64]context.CancelFunc
	handlers map[signalKey][]*subscription
	notify   NotifyFunc

	signals chan *wire.Frame

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the broker at address on network ("unix" or "tcp").
func Dial(ctx context.Context, network, address string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", address, err)
	}
	return newClient(conn, opts), nil
}

// DialAddressFile connects to the broker named in an address file, trying
// the Unix socket before TCP. An empty path uses the default address file.
func DialAddressFile(ctx context.Context, path string, opts Options) (*Client, error) {
	if path == "" {
		path = transport.DefaultAddressFile()
	}
	addrs, err := transport.ReadAddress(path)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ep := range addrs.Endpoints() {
		c, err := Dial(ctx, ep[0], ep[1], opts)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func newClient(conn net.Conn, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	c := &Client{
		conn:     conn,
		log:      opts.Logger,
		timeout:  opts.Timeout,
		handler:  opts.Handler,
		pending:  make(map[uint64]*pendingCall),
		serving:  make(map[uint64]context.CancelFunc),
		handlers: make(map[signalKey][]*subscription),
		signals:  make(chan *wire.Frame, 256),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.signalLoop()
	return c
}

// Name returns the name assigned by the last successful Register.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Done is closed when the connection to the broker is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close unregisters from the broker and closes the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.write(&wire.Frame{Opcode: wire.OpUnregister, Receiver: wire.ServerName})
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.conn.Close()
		close(c.done)

		c.mu.Lock()
		for key, cancel := range c.serving {
			cancel()
			delete(c.serving, key)
		}
		c.mu.Unlock()
	})
}

func (c *Client) write(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", f.Opcode, err)
	}
	return nil
}

// request sends f under a fresh call id and waits for the answer. A
// failure reply is returned as *RemoteError.
func (c *Client) request(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	id := c.nextID.Add(1)
	f.CallID = id
	p := &pendingCall{ch: make(chan *wire.Frame, 4)}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case resp := <-p.ch:
			switch resp.Opcode {
			case wire.OpReplyDelayed:
				c.log.Debug("Call %d to %s deferred", id, f.Receiver)
				timeout = nil
			case wire.OpReplyFailed:
				return nil, remoteError(resp)
			default:
				return resp, nil
			}
		case <-timeout:
			return nil, fmt.Errorf("%s to %s: request timeout", f.Opcode, f.Receiver)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		}
	}
}

// Register claims name. With allowSubstitute a taken name yields name-N;
// an empty name asks for an anonymous one. It returns the assigned name.
func (c *Client) Register(ctx context.Context, name string, allowSubstitute bool) (string, error) {
	data, err := wire.MarshalPayload(&wire.RegisterRequest{Name: name, AllowSubstitute: allowSubstitute})
	if err != nil {
		return "", err
	}
	resp, err := c.request(ctx, &wire.Frame{Opcode: wire.OpRegister, Receiver: wire.ServerName, Payload: data})
	if err != nil {
		return "", err
	}
	var rr wire.RegisterReply
	if err := wire.UnmarshalPayload(resp.Payload, &rr); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.name = rr.Name
	c.mu.Unlock()
	return rr.Name, nil
}

// Call invokes method on object of app and waits for the reply.
func (c *Client) Call(ctx context.Context, app, object, method string, data []byte) ([]byte, error) {
	resp, err := c.request(ctx, &wire.Frame{
		Opcode:   wire.OpCall,
		Receiver: app,
		Object:   object,
		Method:   method,
		Payload:  data,
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Find calls the first application matching pattern (e.g. "konsole-*") and
// returns its name along with the reply.
func (c *Client) Find(ctx context.Context, pattern, object, method string, data []byte) (string, []byte, error) {
	resp, err := c.request(ctx, &wire.Frame{
		Opcode:   wire.OpFind,
		Receiver: pattern,
		Object:   object,
		Method:   method,
		Payload:  data,
	})
	if err != nil {
		return "", nil, err
	}
	return resp.Sender, resp.Payload, nil
}

// Send delivers a one-way message. app may be a pattern; unknown receivers
// are silently dropped by the broker.
func (c *Client) Send(app, object, method string, data []byte) error {
	return c.write(&wire.Frame{
		Opcode:   wire.OpSend,
		Receiver: app,
		Object:   object,
		Method:   method,
		Payload:  data,
	})
}

// Emit publishes signal to every subscriber.
func (c *Client) Emit(object, signal string, data []byte) error {
	return c.write(&wire.Frame{Opcode: wire.OpSignal, Object: object, Method: signal, Payload: data})
}

// Subscribe delivers signal from publisher (any publisher when empty) to
// fn. Volatile subscriptions end when the publisher goes away.
func (c *Client) Subscribe(ctx context.Context, publisher, signal string, volatile bool, fn SignalFunc) error {
	k := signalKey{publisher, signal}
	c.mu.Lock()
	sub := &subscription{fn: fn}
	c.handlers[k] = append(c.handlers[k], sub)
	c.mu.Unlock()

	data, err := wire.MarshalPayload(&wire.SubscribeRequest{Publisher: publisher, Signal: signal, Volatile: volatile})
	if err == nil {
		_, err = c.request(ctx, &wire.Frame{Opcode: wire.OpSubscribe, Receiver: wire.ServerName, Payload: data})
	}
	if err != nil {
		c.dropSubscription(k, sub)
		return err
	}
	return nil
}

func (c *Client) dropSubscription(k signalKey, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.handlers[k]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(c.handlers, k)
		return
	}
	c.handlers[k] = subs
}

// Unsubscribe removes the subscription and every callback for it.
func (c *Client) Unsubscribe(ctx context.Context, publisher, signal string) error {
	c.mu.Lock()
	delete(c.handlers, signalKey{publisher, signal})
	c.mu.Unlock()

	data, err := wire.MarshalPayload(&wire.SubscribeRequest{Publisher: publisher, Signal: signal})
	if err != nil {
		return err
	}
	_, err = c.request(ctx, &wire.Frame{Opcode: wire.OpUnsubscribe, Receiver: wire.ServerName, Payload: data})
	return err
}

// SetNotify turns registration notifications on (fn != nil) or off.
func (c *Client) SetNotify(ctx context.Context, fn NotifyFunc) error {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
	return c.setFlag(ctx, wire.OpSetNotify, fn != nil)
}

// SetDaemon marks this client as not keeping a suicidal broker alive.
func (c *Client) SetDaemon(ctx context.Context, on bool) error {
	return c.setFlag(ctx, wire.OpSetDaemon, on)
}

func (c *Client) setFlag(ctx context.Context, op wire.Opcode, on bool) error {
	data, err := wire.MarshalPayload(&wire.Flag{On: on})
	if err != nil {
		return err
	}
	_, err = c.request(ctx, &wire.Frame{Opcode: op, Receiver: wire.ServerName, Payload: data})
	return err
}

// RegisteredApplications lists registered names in registration order.
func (c *Client) RegisteredApplications(ctx context.Context) ([]string, error) {
	resp, err := c.request(ctx, &wire.Frame{Opcode: wire.OpList, Receiver: wire.ServerName})
	if err != nil {
		return nil, err
	}
	var names wire.NameList
	if err := wire.UnmarshalPayload(resp.Payload, &names); err != nil {
		return nil, err
	}
	return names.Names, nil
}

// IsRegistered asks the broker whether app is registered.
func (c *Client) IsRegistered(ctx context.Context, app string) (bool, error) {
	data, err := wire.MarshalPayload(&wire.Notification{App: app})
	if err != nil {
		return false, err
	}
	resp, err := c.request(ctx, &wire.Frame{Opcode: wire.OpIsRegistered, Receiver: wire.ServerName, Payload: data})
	if err != nil {
		return false, err
	}
	var flag wire.Flag
	if err := wire.UnmarshalPayload(resp.Payload, &flag); err != nil {
		return false, err
	}
	return flag.On, nil
}

// RecentEvents asks the broker for its newest journal entries, optionally
// only those of app.
func (c *Client) RecentEvents(ctx context.Context, app string, limit int) ([]journal.Event, error) {
	data, err := wire.MarshalPayload(&wire.EventQuery{App: app, Limit: limit})
	if err != nil {
		return nil, err
	}
	reply, err := c.Call(ctx, wire.ServerName, "", wire.MethodRecentEvents, data)
	if err != nil {
		return nil, err
	}
	var events []journal.Event
	if err := wire.UnmarshalPayload(reply, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) readLoop() {
	var splitter wire.Splitter
	buf := make([]byte, 64<<10)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			splitter.Feed(buf[:n])
			for {
				f, perr := splitter.Next()
				if perr != nil {
					c.log.Error("Broker stream corrupt: %v", perr)
					c.shutdown(perr)
					return
				}
				if f == nil {
					break
				}
				c.route(f)
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) route(f *wire.Frame) {
	switch f.Opcode {
	case wire.OpReply, wire.OpReplyFailed, wire.OpReplyDelayed:
		if f.Opcode == wire.OpReplyFailed && f.Method == wire.MethodAbandoned {
			c.abandon(f.CallID)
			return
		}
		c.mu.Lock()
		p := c.pending[f.CallID]
		c.mu.Unlock()
		if p == nil {
			c.log.Debug("Dropping %s for unknown call %d", f.Opcode, f.CallID)
			return
		}
		select {
		case p.ch <- f:
		default:
		}
	case wire.OpCall, wire.OpFind, wire.OpSend:
		c.accept(f)
	case wire.OpSignal:
		select {
		case c.signals <- f:
		case <-c.done:
		}
	}
}

func (c *Client) signalLoop() {
	for {
		select {
		case f := <-c.signals:
			c.deliverSignal(f)
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliverSignal(f *wire.Frame) {
	if f.Sender == wire.ServerName && (f.Method == wire.SignalRegistered || f.Method == wire.SignalRemoved) {
		c.mu.Lock()
		notify := c.notify
		c.mu.Unlock()
		if notify != nil {
			var n wire.Notification
			if err := wire.UnmarshalPayload(f.Payload, &n); err == nil {
				notify(n.App, f.Method == wire.SignalRegistered)
			}
		}
	}

	c.mu.Lock()
	var subs []*subscription
	subs = append(subs, c.handlers[signalKey{f.Sender, f.Method}]...)
	subs = append(subs, c.handlers[signalKey{"", f.Method}]...)
	c.mu.Unlock()

	sig := Signal{Sender: f.Sender, Object: f.Object, Name: f.Method, Payload: f.Payload}
	for _, sub := range subs {
		sub.fn(sig)
	}
}
