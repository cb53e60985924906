package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/relay/internal/gateway"
	"github.com/cadenzahq/relay/internal/registry"
	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/health"
	"github.com/cadenzahq/relay/pkg/logging"
	"github.com/cadenzahq/relay/pkg/metrics"
	"github.com/cadenzahq/relay/pkg/resilience"
	"github.com/cadenzahq/relay/pkg/security"
	"github.com/cadenzahq/relay/pkg/tracing"
)

// Deps carries the services the router exposes. Gateway, Registry,
// Breakers, Degradation, Health, Auth and Audit are required; Metrics,
// Tracing and RateLimiter are optional.
type Deps struct {
	Gateway     *gateway.Service
	Registry    *registry.Registry
	Breakers    *resilience.Manager
	Degradation *resilience.DegradationCoordinator
	Health      *health.Service
	Metrics     *metrics.Metrics
	Tracing     *tracing.TracingService
	Auth        *security.Authenticator
	RateLimiter *security.RateLimiter
	Audit       *security.AuditLogger
	Version     string
}

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if deps.Metrics == nil {
		deps.Metrics = &metrics.Metrics{}
	}
	if deps.Version == "" {
		deps.Version = "unknown"
	}

	logger := logging.GetLogger()
	headersCfg := security.DefaultHeadersConfig()

	router := gin.New()

	// Add middleware
	router.Use(RequestIDMiddleware())
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	router.Use(LoggingMiddleware(logger))
	router.Use(RecoveryMiddleware(logger, deps.Metrics))
	router.Use(security.CORSMiddleware(headersCfg))
	router.Use(security.HeadersMiddleware(headersCfg))
	router.Use(security.RequestSizeMiddleware(headersCfg.MaxRequestSize))
	router.Use(deps.Metrics.PrometheusMiddleware())
	if deps.RateLimiter != nil {
		router.Use(deps.RateLimiter.Middleware())
	}

	// Health and metrics endpoints (no auth required)
	router.GET("/health", deps.Health.Handler())
	router.GET("/health/live", deps.Health.LivenessHandler())
	router.GET("/health/ready", deps.Health.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// API version info (no auth required)
	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, map[string]interface{}{
			"name":    "Relay API",
			"version": deps.Version,
			"status":  "ok",
		})
	})

	// Create handlers
	serviceHandler := NewServiceHandler(deps.Registry, deps.Gateway, deps.Audit)
	breakerHandler := NewBreakerHandler(deps.Breakers, deps.Degradation, deps.Audit)
	statsHandler := NewStatsHandler(deps.Gateway)
	authHandler := NewAuthHandler(deps.Auth, deps.Audit, deps.Metrics)
	relayHandler := NewRelayHandler(deps.Gateway)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Session token exchange (presents the API key itself)
		v1.POST("/auth/token", authHandler.IssueToken)

		// Read-only dashboard routes
		v1.GET("/services", serviceHandler.ListServices)
		v1.GET("/services/:name", serviceHandler.GetService)
		v1.GET("/breakers", breakerHandler.ListBreakers)
		v1.GET("/stats", statsHandler.GetStats)
		v1.GET("/dependencies", statsHandler.GetDependencies)

		// Mutating routes (require admin credentials)
		admin := v1.Group("")
		admin.Use(deps.Auth.Middleware())
		{
			admin.POST("/services", serviceHandler.RegisterInstance)
			admin.PUT("/services/:name/:id", serviceHandler.UpdateInstance)
			admin.DELETE("/services/:name/:id", serviceHandler.DeregisterInstance)
			admin.POST("/breakers/:name/reset", breakerHandler.ResetBreaker)
		}
	}

	// The relay data plane
	relay := router.Group("/relay")
	relay.Use(CallerKeyMiddleware())
	relay.Any("/:service/*path", relayHandler.Proxy)

	// Catch-all route for undefined endpoints
	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
