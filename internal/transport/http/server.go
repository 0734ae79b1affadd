// Package http provides the operational HTTP endpoints of sinkd.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET /health
//	GET /metrics
//	GET /sinks
//	GET /sinks/{name}
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/epochsink/internal/health"
	"github.com/snehjoshi/epochsink/internal/metrics"
)

// Options are the collaborators a Server reports on. Every field is optional.
type Options struct {
	Health  *health.Registry
	Metrics *metrics.Metrics
	Sinks   []SinkInfo
	Logger  *slog.Logger

	// RateLimit is the per-client request rate; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Server wraps the stdlib HTTP server with sinkd route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Health == nil {
		opts.Health = health.NewRegistry()
	}
	h := &Handler{sinks: opts.Sinks}

	mux := http.NewServeMux()
	mux.Handle("GET /health", opts.Health.Handler())
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	mux.HandleFunc("GET /sinks", h.listSinks)
	mux.HandleFunc("GET /sinks/{name}", h.getSink)

	// Middleware chain: observe → rate-limit
	mws := []func(http.Handler) http.Handler{
		ObserveMiddleware(opts.Logger.With("component", "http"), opts.Metrics),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = int(opts.RateLimit * 2)
		}
		mws = append(mws, RateLimitMiddleware(opts.RateLimit, burst))
	}

	return &Server{
		inner: &http.Server{
			Handler:      chain(mux, mws...),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":9090").
// It returns http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
