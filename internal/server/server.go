// Package server ties the listeners, hub and board registry together and
// manages the server lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/bboard/internal/board"
)

// Server owns both listeners, the connection hub and the board registry.
type Server struct {
	cfg        Config
	hub        *Hub
	registry   *board.Registry
	origins    *originPolicy
	logger     *slog.Logger
	clock      func() time.Time
	httpServer *http.Server
	tcpLn      net.Listener
	httpLn     net.Listener
	started    bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopErr    error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the clock used to timestamp posted messages.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.clock = now
		}
	}
}

// New builds a Server from cfg. Nothing listens until Start.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.sanitize(),
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(s.logger.With("component", "hub"))
	s.registry = board.NewRegistry(s.cfg.Groups, s.hub,
		board.WithHistorySize(s.cfg.HistorySize),
		board.WithClock(s.clock),
	)
	s.origins = newOriginPolicy(s.cfg.AllowedOrigins, s.logger)
	return s
}

// Registry exposes the board registry, mainly for inspection.
func (s *Server) Registry() *board.Registry {
	return s.registry
}

// Hub exposes the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds both listeners and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}

	tcpLn, err := lc.Listen(ctx, "tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPAddr, err)
	}
	httpLn, err := lc.Listen(ctx, "tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = tcpLn.Close()
		return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
	}
	s.tcpLn = tcpLn
	s.httpLn = httpLn

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.started = true
	go s.hub.Run()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.serveTCP(tcpLn)
	}()
	go func() {
		defer s.wg.Done()
		s.logger.Info("http listener started", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("bulletin board server started",
		"tcp_addr", tcpLn.Addr().String(),
		"http_addr", httpLn.Addr().String(),
		"groups", s.registry.Groups(),
	)
	return nil
}

// TCPAddr returns the bound TCP address, or "" before Start.
func (s *Server) TCPAddr() string {
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run starts the server and blocks until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("shutdown signal received")
	return s.Shutdown(s.cfg.ShutdownTimeout.Duration())
}

// Shutdown stops accepting connections, closes every session and waits up to
// timeout for the client goroutines to exit. Repeated calls return the first
// result.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(timeout)
	})
	return s.stopErr
}

func (s *Server) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.tcpLn != nil {
		if err := s.tcpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing tcp listener: %w", err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.wg.Wait()

	if s.started {
		if err := s.hub.Shutdown(timeout); err != nil {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		s.logger.Error("server shutdown incomplete", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.logger.Info("server shutdown completed")
	return nil
}

// accept wires a fresh transport to a client and session and hands it to the
// hub.
func (s *Server) accept(t Transport, addr string) {
	id := s.hub.nextID()
	logger := s.logger.With("conn", id, "addr", addr)

	c := newClient(id, t, s.hub, addr, s.cfg, logger)
	c.session = newSession(id, s.hub, s.registry, sessionConfig{
		uniqueNames:   s.cfg.UniqueUsernames,
		maxNameLength: s.cfg.MaxUsernameLength,
	}, logger)

	if err := s.hub.Register(c); err != nil {
		logger.Warn("rejecting connection", "error", err)
		_ = t.Close()
	}
}
