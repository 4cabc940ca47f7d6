// Package server exposes the engine's operational HTTP surface: health
// probes, Prometheus metrics and admin endpoints for maintenance jobs.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/engagement/internal/health"
	"github.com/devrev/engagement/internal/model"
	"github.com/devrev/engagement/internal/reconcile"
	"github.com/devrev/engagement/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// JobRunner starts maintenance jobs on demand
type JobRunner interface {
	Jobs() []string
	Running(name string) bool
	Trigger(ctx context.Context, name string) (string, error)
}

// EntityRepairer reconciles a single entity
type EntityRepairer interface {
	ReconcileEntity(ctx context.Context, ref model.EntityRef) (*reconcile.EntityReport, error)
}

// LeaderboardReader serves ranked entity ids
type LeaderboardReader interface {
	TopN(ctx context.Context, entityType model.EntityType, n int) []string
}

// Options configures the ops server
type Options struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MetricsPath  string
}

// Deps are the components the admin endpoints act on. Nil members disable
// their routes.
type Deps struct {
	Health      *health.HealthChecker
	Gatherer    prometheus.Gatherer
	Jobs        JobRunner
	Repairer    EntityRepairer
	RepairLog   store.RepairLog
	Leaderboard LeaderboardReader
}

// Server is the ops HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	opts       Options
	logger     *zap.Logger
}

// NewServer creates the server and registers its routes
func NewServer(opts Options, deps Deps, logger *zap.Logger) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Handler:      router,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(recovery(s.logger), requestID, logging(s.logger))

	if s.deps.Health != nil {
		s.router.HandleFunc("/health/live", s.deps.Health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.deps.Health.ReadinessHandler).Methods(http.MethodGet)
	}
	if s.deps.Gatherer != nil {
		s.router.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	admin := s.router.PathPrefix("/admin").Subrouter()
	if s.deps.Jobs != nil {
		admin.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
		admin.HandleFunc("/jobs/{name}/run", s.triggerJob).Methods(http.MethodPost)
	}
	if s.deps.Repairer != nil {
		admin.HandleFunc("/entities/{type}/{id:[0-9]+}/reconcile", s.reconcileEntity).Methods(http.MethodPost)
	}
	if s.deps.RepairLog != nil {
		admin.HandleFunc("/entities/{type}/{id:[0-9]+}/repairs", s.listRepairs).Methods(http.MethodGet)
	}
	if s.deps.Leaderboard != nil {
		admin.HandleFunc("/leaderboards/{type}", s.topN).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeInvalidRequest, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting ops server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ops server")
	return s.httpServer.Shutdown(ctx)
}
