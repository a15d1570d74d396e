// Package transport accepts client connections for the broker and moves
// frames between sockets and the broker loop.
//
// The broker never touches a socket. Each accepted connection gets a Handle
// and two goroutines: the reader turns the byte stream into frames and the
// writer drains the connection's Outbox. Everything the broker needs to know
// arrives through the Sink interface, in order per connection:
//
//	Attached(h, endpoint)   once, before any frame of h
//	Received(h, frame)      per complete frame, in receive order
//	Lost(h, err)            once, on EOF, read/write error or protocol error
//
// Two transports are supported: a Unix domain socket (local clients) and TCP.
// With NoLocal set only the Unix socket is opened.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenzoki/agen/dcop/internal/logging"
	"github.com/tenzoki/agen/dcop/internal/registry"
	"github.com/tenzoki/agen/dcop/internal/wire"
)

// Sink receives connection events. Implementations must not block for long;
// the broker posts them into its event loop.
type Sink interface {
	Attached(h registry.Handle, ep registry.Endpoint)
	Received(h registry.Handle, f *wire.Frame)
	Lost(h registry.Handle, err error)
}

// Config selects the listening transports.
type Config struct {
	// UnixSocket is the socket path; empty disables the Unix transport.
	UnixSocket string
	// TCPAddress is host:port; empty disables TCP.
	TCPAddress string
	// NoLocal refuses every non-local transport, i.e. TCP.
	NoLocal      bool
	WriteTimeout time.Duration
	// MaxPending bounds unread output per connection; zero uses
	// DefaultMaxPending.
	MaxPending int
	Logger     *logging.Logger
}

// Server owns the listeners and every accepted connection.
type Server struct {
	config Config
	sink   Sink
	log    *logging.Logger

	listeners []net.Listener
	addrs     Addresses

	nextHandle atomic.Uint64

	mu     sync.Mutex
	conns  map[registry.Handle]*Conn
	closed bool

	wg sync.WaitGroup
}

// Listen opens the configured listeners and starts accepting. The server
// shuts down when ctx is cancelled or Close is called.
func Listen(ctx context.Context, config Config, sink Sink) (*Server, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	log := config.Logger
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		config: config,
		sink:   sink,
		log:    log,
		conns:  make(map[registry.Handle]*Conn),
	}

	if config.UnixSocket != "" {
		l, err := listenUnix(config.UnixSocket)
		if err != nil {
			return nil, err
		}
		s.listeners = append(s.listeners, l)
		s.addrs.Unix = config.UnixSocket
	}
	if config.TCPAddress != "" && !config.NoLocal {
		l, err := net.Listen("tcp", config.TCPAddress)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("failed to listen on %s: %w", config.TCPAddress, err)
		}
		s.listeners = append(s.listeners, l)
		s.addrs.TCP = l.Addr().String()
	}
	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("no transport configured")
	}

	for _, l := range s.listeners {
		s.log.Info("Listening on %s %s", l.Addr().Network(), l.Addr())
		s.wg.Add(1)
		go s.acceptLoop(l)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s, nil
}

// listenUnix binds path, replacing a stale socket left by a crashed broker
// but refusing to steal one that still answers.
func listenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if c, err := net.DialTimeout("unix", path, time.Second); err == nil {
			c.Close()
			return nil, fmt.Errorf("another broker is listening on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return l, nil
}

// Addresses returns the bound addresses, with resolved TCP ports.
func (s *Server) Addresses() Addresses {
	return s.addrs
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return
			}
			s.log.Warn("Accept error on %s: %v", l.Addr(), err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.attach(nc)
	}
}

func (s *Server) attach(nc net.Conn) {
	h := registry.Handle(s.nextHandle.Add(1))
	c := newConn(h, nc, s.sink, s.config.WriteTimeout, s.config.MaxPending)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[h] = c
	s.mu.Unlock()

	s.log.Debug("Accepted connection #%d from %s", h, c.RemoteAddr())
	s.sink.Attached(h, c)
	c.start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, h)
		s.mu.Unlock()
	}()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection and waits for all
// connection goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.closeListeners()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}
