// Package httpserver runs an http.Handler until its context is cancelled and
// then drains in-flight requests within a bounded shutdown window.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bezhas/vip/pkg/logger"
)

type Config struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Option configures the Server.
type Option func(*Server)

// WithLogger supplies a logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithListenHook registers a callback invoked with the bound address once the
// listener is open.
func WithListenHook(h func(addr string)) Option {
	return func(s *Server) {
		if h != nil {
			s.onListen = append(s.onListen, h)
		}
	}
}

// Server wraps http.Server with graceful shutdown.
type Server struct {
	cfg      Config
	log      *slog.Logger
	onListen []func(addr string)
}

func New(cfg Config, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, log: logger.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves handler until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Join(ErrStart, err)
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	addr := ln.Addr().String()
	s.log.Info("http server listening", slog.String("addr", addr))
	for _, h := range s.onListen {
		h(addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(ErrStart, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	s.log.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(ErrShutdown, err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrShutdown, err)
	}
	return nil
}
