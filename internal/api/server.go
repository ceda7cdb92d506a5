package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/config"
	"github.com/danielprocop/lifestory-graph/internal/api/handlers"
	"github.com/danielprocop/lifestory-graph/internal/messaging"
	"github.com/danielprocop/lifestory-graph/internal/metrics"
	"github.com/danielprocop/lifestory-graph/internal/policy"
	"github.com/danielprocop/lifestory-graph/internal/services"
)

// Server represents the HTTP server
type Server struct {
	config       config.Config
	router       *gin.Engine
	httpServer   *http.Server
	graphService *services.GraphService
	governance   *policy.Governance
	publisher    messaging.EntryPublisher
	metrics      *metrics.Metrics
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, graphService *services.GraphService, governance *policy.Governance, publisher messaging.EntryPublisher, m *metrics.Metrics) *Server {
	server := &Server{
		config:       cfg,
		graphService: graphService,
		governance:   governance,
		publisher:    publisher,
		metrics:      m,
	}

	router := server.setupRouter()
	server.router = router

	server.httpServer = &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(gin.Recovery())

	handlers.NewNodeHandler(s.graphService).RegisterRoutes(router)
	handlers.NewGovernanceHandler(s.governance).RegisterRoutes(router)
	handlers.NewEntryHandler(s.graphService, s.publisher).RegisterRoutes(router)
	handlers.NewMetricsHandler(s.metrics).RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
