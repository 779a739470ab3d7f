package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options tune the HTTP layer.
type Options struct {
	// RequestTimeout bounds a whole request including the model call.
	RequestTimeout time.Duration
	// MetricsGatherer serves GET /metrics; nil disables the endpoint.
	MetricsGatherer prometheus.Gatherer
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	httpServer *http.Server
}

// New assembles the router: request-id, logging, timeout, panic
// recovery, and OpenTelemetry instrumentation around the triage and
// explain handlers.
func New(port int, logger *slog.Logger, handlers *Handlers, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "troubleshooter")
	})

	r.Post("/triage", handlers.handleTriage)
	r.Post("/explain", handlers.handleExplain)
	r.Get("/status", handlers.handleStatus)
	if opts.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(opts.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
