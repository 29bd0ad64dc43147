package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawroute/clawroute/internal/application/usecase"
	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm"
	"github.com/clawroute/clawroute/internal/infrastructure/monitoring"
	"github.com/clawroute/clawroute/internal/infrastructure/persistence"
	"github.com/clawroute/clawroute/internal/interfaces/http/handlers"
)

// Server is the gateway's HTTP front door.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Deps carries the collaborators the route handlers need.
type Deps struct {
	Store    *config.Store
	Pipeline *usecase.Pipeline
	Tracker  *llm.Tracker
	Monitor  *monitoring.Monitor
	Attempts *persistence.AttemptRepository // may be nil
	Shutdown func()
}

// NewServer builds the router and server.
func NewServer(cfg config.GatewayConfig, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	messagesHandler := handlers.NewMessagesHandler(deps.Pipeline, deps.Store, logger)
	statusHandler := handlers.NewStatusHandler(deps.Tracker, deps.Monitor, deps.Attempts, deps.Shutdown, logger)

	setupRoutes(router, messagesHandler, statusHandler, deps.Monitor)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start begins serving without blocking.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes registers the gateway surface.
func setupRoutes(router *gin.Engine, messagesHandler *handlers.MessagesHandler, statusHandler *handlers.StatusHandler, monitor *monitoring.Monitor) {
	router.GET("/health", statusHandler.Health)
	router.GET("/status", statusHandler.Status)
	router.POST("/shutdown", statusHandler.Shutdown)
	router.POST("/providers/:id/reset", statusHandler.ResetProvider)
	router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/messages", messagesHandler.Messages)
	}
}

// ginLogger logs each request through zap.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("request_id", c.Writer.Header().Get("X-Request-ID")),
		)
	}
}
