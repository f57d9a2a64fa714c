// Package server provides the HTTP server for floorsync.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/devrev/twinengine/internal/config"
	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/handler"
	"github.com/devrev/twinengine/internal/health"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthChecker
	errorHandler *apierrors.Handler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server with its routes configured.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthChecker,
	errorHandler *apierrors.Handler,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:       router,
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS(s.cfg.Server.AllowedOrigins),
		metrics.Middleware(s.metrics),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	s.router.Use(mux.MiddlewareFunc(middleware.Chain(middlewareChain...)))

	// Health check endpoints
	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// Subscriber sessions
	s.router.HandleFunc("/ws/floor/{tenant_id}", s.handlers.Subscribe).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Work items
	v1.HandleFunc("/work-items/{work_item_id}", s.handlers.GetWorkItem).Methods(http.MethodGet)
	v1.HandleFunc("/work-items/{work_item_id}/transitions", s.handlers.ApplyTransition).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant_id}/work-items", s.handlers.IntakeWorkItem).Methods(http.MethodPost)

	// Floor state
	v1.HandleFunc("/tenants/{tenant_id}/floor", s.handlers.GetFloor).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{node_id}/status", s.handlers.ForceNodeStatus).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{node_id}/hold", s.handlers.ReleaseNode).Methods(http.MethodDelete)

	// Admin
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/sweeps", s.handlers.RunSweep).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteNotFound(w, "endpoint not found", middleware.GetRequestID(r.Context()))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteMethodNotAllowed(w, middleware.GetRequestID(r.Context()))
	})
}

// Start starts the HTTP server and blocks until it stops. Requests, and
// subscriber sessions in particular, are cancelled when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
