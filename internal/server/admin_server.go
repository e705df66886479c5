// Package server exposes the admin HTTP surface of a streamer node: run
// inspection and control, topology operations, Prometheus metrics and
// health probes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/streamer/internal/node"
	"github.com/devrev/pairdb/streamer/internal/store"
	"github.com/devrev/pairdb/streamer/internal/streaming"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Operations is the run control the admin API drives
type Operations interface {
	Start(ctx context.Context, req node.Request) (uuid.UUID, error)
	Current() (*store.RunRecord, bool)
	Abort() bool
	GetRun(ctx context.Context, runID uuid.UUID) (*store.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*store.RunRecord, error)
}

// Plans lists and aborts the stream plans of this node
type Plans interface {
	ActivePlans() []streaming.Summary
	Abort(id uuid.UUID) bool
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port     int
	NodeID   string
	Gatherer prometheus.Gatherer
}

// AdminServer serves the admin API and Prometheus metrics via HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	ops        Operations
	plans      Plans
	checks     map[string]Pinger
	nodeID     string
	logger     *zap.Logger
}

// NewAdminServer creates a new admin server. checks are pinged by /ready.
func NewAdminServer(cfg *AdminServerConfig, ops Operations, plans Plans, checks map[string]Pinger, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ops:    ops,
		plans:  plans,
		checks: checks,
		nodeID: cfg.NodeID,
		logger: logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

func (s *AdminServer) setupRoutes(metricsHandler http.Handler) {
	s.router.Use(recovery(s.logger), requestID, logging(s.logger))

	s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)

	// Versioned routes live on the root router so that method mismatches
	// reach MethodNotAllowedHandler.
	s.router.HandleFunc("/v1/streaming/runs", s.listRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/streaming/runs/{run_id}", s.getRun).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/streaming/active", s.active).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/streaming/abort", s.abortRun).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/streaming/plans/{plan_id}/abort", s.abortPlan).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/operations/{operation}", s.startOperation).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed")
	})
}

// Handler returns the http.Handler of the server
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start starts the admin server in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"node_id":   s.nodeID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": name + "_unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
