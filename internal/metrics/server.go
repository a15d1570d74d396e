package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the metrics registry over HTTP.
type Server struct {
	address string
	path    string
	metrics *Metrics

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server for address (host:port). An empty path
// defaults to /metrics.
func NewServer(address, path string, m *Metrics) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{address: address, path: path, metrics: m}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("metrics server already running")
	}
	if s.metrics == nil {
		return fmt.Errorf("metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	l, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = l
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	srv := s.server
	go func() {
		_ = srv.Serve(l)
	}()
	return nil
}

// Addr returns the bound address, useful when configured with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}
