// Package server provides the management HTTP server of a worker process, with graceful startup
// and shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nimburion/workqueue/pkg/observability/logger"
)

// DefaultShutdownTimeout bounds Shutdown when the caller's context has no deadline.
const DefaultShutdownTimeout = 30 * time.Second

// Server wraps http.Server with configurable timeouts and graceful lifecycle management.
type Server struct {
	handler http.Handler
	logger  logger.Logger
	config  Config

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Config holds configuration for the HTTP server.
type Config struct {
	// Address is the listen address, e.g. ":9090".
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a Server serving handler.
func NewServer(cfg Config, handler http.Handler, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{handler: handler, logger: log, config: cfg}
}

// Start listens on the configured address and serves until ctx is cancelled, then shuts down
// gracefully. It returns an error if the listener cannot be opened or serving fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting server", "address", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Addr returns the bound address once Start has opened the listener, or "" before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests, bounded by
// DefaultShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server shutdown complete", "address", s.Addr())
	return nil
}
