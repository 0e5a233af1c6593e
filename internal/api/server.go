package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"imageforge/internal/api/handlers"
	"imageforge/internal/config"
	"imageforge/internal/db"
	"imageforge/internal/queue"
	"imageforge/internal/runtime"
	"imageforge/internal/storage"
	"imageforge/internal/worker"
	"imageforge/pkg/logger"
)

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	db         *db.Postgres
	queue      *queue.Redis
	builder    runtime.ImageBuilder
	logger     *logger.Logger
	httpServer *http.Server
	handlers   *handlers.Handlers
	s3Client   *storage.S3Client
	metrics    *worker.WorkerMetrics
}

// NewServer creates a new API server instance
func NewServer(cfg *config.Config, database *db.Postgres, q *queue.Redis,
	builder runtime.ImageBuilder, launcher runtime.ServiceRuntime,
	logger *logger.Logger, s3Client *storage.S3Client, metrics *worker.WorkerMetrics) *Server {

	if cfg.API.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:   cfg,
		db:       database,
		queue:    q,
		builder:  builder,
		logger:   logger,
		s3Client: s3Client,
		metrics:  metrics,
	}

	server.handlers = handlers.NewHandlers(database, q, launcher, logger, cfg, s3Client)
	server.setupRouter()

	return server
}

// Start starts the API server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.config.API.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.API.ReadTimeout,
		WriteTimeout: s.config.API.WriteTimeout,
		IdleTimeout:  s.config.API.IdleTimeout,
	}

	s.logger.Info().Msgf("Starting API server on port %s", s.config.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// setupRouter initializes the Gin router and routes
func (s *Server) setupRouter() {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(s.loggerMiddleware())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.handleHealthCheck)

	v1 := router.Group("/api/v1")
	{
		recipes := v1.Group("/recipes")
		{
			recipes.POST("", s.handlers.CreateRecipe)
			recipes.GET("", s.handlers.ListRecipes)
			recipes.GET("/:id", s.handlers.GetRecipe)
			recipes.PUT("/:id", s.handlers.UpdateRecipe)
			recipes.DELETE("/:id", s.handlers.DeleteRecipe)

			recipes.POST("/:id/builds", s.handlers.TriggerBuild)
			recipes.GET("/:id/builds", s.handlers.ListBuilds)

			recipes.POST("/:id/launch", s.handlers.LaunchService)
			recipes.GET("/:id/services", s.handlers.ListServices)
		}

		builds := v1.Group("/builds")
		{
			builds.GET("/queue", s.handlers.GetQueueStatus)
			builds.POST("/dlq/:id/retry", s.handlers.RetryDeadLetterBuild)
			builds.GET("/:id", s.handlers.GetBuild)
			builds.GET("/:id/logs", s.handlers.GetBuildLogs)
		}

		services := v1.Group("/services")
		{
			services.GET("/:id", s.handlers.GetService)
			services.GET("/:id/logs", s.handlers.GetServiceLogs)
			services.POST("/:id/stop", s.handlers.StopService)
		}

		monitoring := v1.Group("/monitoring")
		{
			monitoring.GET("/metrics", s.handleGetMetrics)
		}
	}

	s.router = router
}

// Middleware functions

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Str("user-agent", c.Request.UserAgent()).
			Int("body-size", c.Writer.Size()).
			Send()
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// handleGetMetrics reports worker pool counters alongside the queue depth
func (s *Server) handleGetMetrics(c *gin.Context) {
	active, completed, failed := s.metrics.Snapshot()

	pending, err := s.queue.GetQueueLength(c)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read queue length")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue length"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active_workers":   active,
		"completed_builds": completed,
		"failed_builds":    failed,
		"pending_builds":   pending,
	})
}

// handleHealthCheck fans out to every dependency and degrades rather than
// fails
func (s *Server) handleHealthCheck(c *gin.Context) {
	status := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}

	if err := s.db.Ping(c); err != nil {
		status["status"] = "degraded"
		status["database_error"] = err.Error()
	}

	if err := s.queue.Ping(c); err != nil {
		status["status"] = "degraded"
		status["queue_error"] = err.Error()
	}

	if err := s.builder.Ping(c); err != nil {
		status["status"] = "degraded"
		status["builder_error"] = err.Error()
	}

	if err := s.s3Client.Ping(c); err != nil {
		status["status"] = "degraded"
		status["s3_error"] = err.Error()
	}

	c.JSON(http.StatusOK, status)
}
