package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/workqueue/pkg/health"
	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/observability/metrics"
)

// ManagementServer serves the operational endpoints of a worker process on its own address:
//   - /health: liveness, always 200
//   - /ready: readiness, 503 while any registered check is unhealthy
//   - /metrics: Prometheus metrics
type ManagementServer struct {
	*Server
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	engine          *gin.Engine
}

// NewManagementServer creates a management server. A nil metrics registry disables /metrics.
func NewManagementServer(
	cfg Config,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
) *ManagementServer {
	if log == nil {
		log = logger.Nop()
	}
	if healthRegistry == nil {
		healthRegistry = health.NewRegistry()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	s := &ManagementServer{
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		engine:          engine,
	}
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	if metricsRegistry != nil {
		engine.GET("/metrics", gin.WrapH(metricsRegistry.Handler()))
	}
	s.Server = NewServer(cfg, engine, log)
	return s
}

// Handler returns the HTTP handler of the management endpoints.
func (s *ManagementServer) Handler() http.Handler {
	return s.engine
}

func (s *ManagementServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
}

func (s *ManagementServer) handleReady(c *gin.Context) {
	result := s.healthRegistry.Check(c.Request.Context())
	if result.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Start serves until ctx is cancelled.
func (s *ManagementServer) Start(ctx context.Context) error {
	return s.Server.Start(ctx)
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("management request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
