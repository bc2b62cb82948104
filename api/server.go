// Package api exposes the watcher over HTTP: the RPC endpoint used by the
// dashboard plus REST routes for opportunities, settings, errors and stats.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/pipeline"
	"github.com/aluiziolira/go-arbitrage-watch/store"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options wires the server to the running watcher. Scheduler and Metrics may be nil.
type Options struct {
	Orchestrator *pipeline.Orchestrator
	Store        *store.Store
	Scheduler    *pipeline.Scheduler
	Metrics      *metrics.Metrics
	CORSOrigins  []string
	Logger       *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	orch      *pipeline.Orchestrator
	store     *store.Store
	scheduler *pipeline.Scheduler
	metrics   *metrics.Metrics
	origins   []string
	logger    *slog.Logger
}

// New builds a server from opts.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		orch:      opts.Orchestrator,
		store:     opts.Store,
		scheduler: opts.Scheduler,
		metrics:   opts.Metrics,
		origins:   origins,
		logger:    logger,
	}
}

// Routes returns the router with middleware installed.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Post("/rpc", s.rpc)

	r.Route("/opportunities", func(r chi.Router) {
		r.Get("/", s.getOpportunities)
		r.Delete("/", s.clearOpportunities)
		r.Delete("/{catalogItemID}/{marketplace}", s.removeOpportunity)
	})

	r.Get("/settings", s.getSettings)
	r.Put("/settings", s.putSettings)
	r.Patch("/settings", s.patchSettings)

	r.Get("/errors", s.getErrors)
	r.Delete("/errors", s.clearErrors)
	r.Get("/stats", s.getStats)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
