// Package server holds the HTTP server and the middleware shared by every
// route.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the server middleware stack.
type Options struct {
	Port int
	// RequestTimeout bounds each request, streaming included. Zero disables it.
	RequestTimeout time.Duration
	// RateLimitRPS enables per-client throttling when positive.
	RateLimitRPS   float64
	RateLimitBurst int
	// AllowRequestKey accepts a caller-supplied upstream key.
	AllowRequestKey bool
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	srv    *http.Server
}

func New(opts Options, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if opts.RateLimitRPS > 0 {
		r.Use(NewThrottle(opts.RateLimitRPS, opts.RateLimitBurst).Middleware)
	}
	r.Use(CredentialMiddleware(opts.AllowRequestKey))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(RateLimitNormalizingMiddleware)
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "chatrelay")
	})

	return &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight answers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
