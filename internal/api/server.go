package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer serves a handler on a TCP listener. Serve blocks until the
// context is cancelled and in-flight requests drain.
type HTTPServer struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	// ready is closed once the listener is bound.
	ready chan struct{}
	addr  net.Addr
}

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Address is the TCP listen address. Required.
	Address string
	// Handler serves requests. Required.
	Handler http.Handler
	// Logger is required.
	Logger *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ShutdownTimeout bounds the drain on cancellation. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// NewHTTPServer creates a server. Call Serve to start accepting.
func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	if cfg.Address == "" {
		panic("api.HTTPServer: Address is required")
	}
	if cfg.Handler == nil {
		panic("api.HTTPServer: Handler is required")
	}
	if cfg.Logger == nil {
		panic("api.HTTPServer: Logger is required")
	}

	s := &HTTPServer{
		address:         cfg.Address,
		handler:         cfg.Handler,
		logger:          cfg.Logger,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		ready:           make(chan struct{}),
	}
	if s.readTimeout == 0 {
		s.readTimeout = 15 * time.Second
	}
	if s.writeTimeout == 0 {
		s.writeTimeout = 15 * time.Second
	}
	if s.shutdownTimeout == 0 {
		s.shutdownTimeout = 10 * time.Second
	}
	return s
}

// Ready is closed once the server is bound and accepting connections.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready is
// closed.
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully.
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}
