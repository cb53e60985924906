package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cadenzahq/relay/internal/admission"
	"github.com/cadenzahq/relay/internal/api"
	"github.com/cadenzahq/relay/internal/balancer"
	"github.com/cadenzahq/relay/internal/cache"
	"github.com/cadenzahq/relay/internal/gateway"
	"github.com/cadenzahq/relay/internal/notify"
	"github.com/cadenzahq/relay/internal/notify/channels"
	"github.com/cadenzahq/relay/internal/registry"
	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/health"
	"github.com/cadenzahq/relay/pkg/logging"
	"github.com/cadenzahq/relay/pkg/metrics"
	"github.com/cadenzahq/relay/pkg/resilience"
	"github.com/cadenzahq/relay/pkg/security"
	"github.com/cadenzahq/relay/pkg/tracing"
)

// version is overridden at build time via -ldflags
var version = "dev"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "relay",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// Initialize tracing
	tracingEnabled, _ := strconv.ParseBool(cfg.Tracing.Enabled)
	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "relay",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        tracingEnabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize metrics
	appMetrics := metrics.NewMetrics(nil)

	// Context for the background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize traffic-plane components
	reg := registry.NewRegistry()
	prober := registry.NewProber(reg, cfg.Prober, appMetrics)
	bal := balancer.NewBalancer(reg, cfg.Balancer, appMetrics)
	adm := admission.NewController(cfg.Admission, appMetrics)

	breakers := resilience.NewManager(resilience.ManagerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			appMetrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	})

	degradation := resilience.NewDegradationCoordinator(resilience.DegradationConfig{
		FailureThreshold: cfg.Degradation.FailureThreshold,
		RecoveryTimeout:  cfg.Degradation.RecoveryTimeout,
		Dependencies:     cfg.Degradation.Dependencies,
	})

	// Initialize alert fan-out. The logging handler is always on; Slack
	// and webhook channels join when configured.
	alerts := resilience.NewAlertManager()
	alerts.AddHandler(resilience.NewLoggingAlertHandler())
	alerts.SetRateLimit(0, cfg.Alerts.RateLimit)

	var healthMonitor *resilience.SystemHealthMonitor
	if cfg.Alerts.Enabled {
		zapLogger, err := zap.NewProduction()
		if err != nil {
			log.Fatalf("Failed to initialize notification logging: %v", err)
		}

		notifier := notify.NewService(zapLogger)
		notifier.RegisterChannelHandler(channels.NewSlackHandler(zapLogger))
		notifier.RegisterChannelHandler(channels.NewWebhookHandler(zapLogger))

		if cfg.Alerts.SlackWebhookURL != "" {
			notifier.AddChannel(notify.Channel{
				Type:        notify.ChannelTypeSlack,
				Name:        "ops-slack",
				Enabled:     true,
				MinSeverity: "warning",
				Config: notify.ChannelConfig{
					SlackWebhookURL: cfg.Alerts.SlackWebhookURL,
				},
			})
		}
		if cfg.Alerts.WebhookURL != "" {
			notifier.AddChannel(notify.Channel{
				Type:        notify.ChannelTypeWebhook,
				Name:        "ops-webhook",
				Enabled:     true,
				MinSeverity: "warning",
				Config: notify.ChannelConfig{
					WebhookURL: cfg.Alerts.WebhookURL,
				},
			})
		}
		alerts.AddHandler(notify.NewAlertSink(notifier))

		healthMonitor = resilience.NewSystemHealthMonitor(alerts, degradation)
		healthMonitor.Start(ctx)
		log.Println("Alerting enabled")
	}

	// Initialize optional Redis-backed pieces
	var redisClient *cache.Client
	var snapshots *cache.SnapshotCache
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewClient(&cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Health(pingCtx); err != nil {
			log.Fatalf("Redis health check failed: %v", err)
		}
		pingCancel()

		snapshots = cache.NewSnapshotCache(redisClient, nil)
		log.Println("Redis connection established")
	}

	// Initialize admin security
	audit := security.NewAuditLogger("relay", version)
	authenticator := security.NewAuthenticator(cfg.AdminAuth, audit)

	rateLimitCfg := security.DefaultRateLimitConfig()
	if redisClient != nil {
		rateLimitCfg.RedisClient = redisClient.Client()
	}
	rateLimiter := security.NewRateLimiter(rateLimitCfg, audit)

	// Register seed instances
	for _, seed := range cfg.Seeds {
		inst := &registry.Instance{
			Name:           seed.Name,
			ID:             seed.ID,
			Address:        seed.Address,
			HealthEndpoint: seed.HealthEndpoint,
			Tags:           seed.Tags,
		}
		if err := reg.Register(inst); err != nil {
			log.Fatalf("Failed to register seed instance %s/%s: %v", seed.Name, seed.ID, err)
		}
	}
	if len(cfg.Seeds) > 0 {
		log.Printf("Registered %d seed instances", len(cfg.Seeds))
	}

	// Assemble the gateway and start the background loops
	gw := gateway.NewService(gateway.Deps{
		Registry:    reg,
		Prober:      prober,
		Balancer:    bal,
		Admission:   adm,
		Breakers:    breakers,
		Degradation: degradation,
		Snapshots:   snapshots,
		Tracing:     tracer,
		Metrics:     appMetrics,
	}, nil)

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	// Health endpoints
	healthService := health.NewService(logger, &health.Config{
		Timeout: 5 * time.Second,
		Metadata: map[string]string{
			"service":     "relay",
			"version":     version,
			"environment": cfg.Tracing.Environment,
		},
	})
	healthService.RegisterChecker("registry", health.NewCustomChecker("registry", func(ctx context.Context) (health.Status, string, error) {
		stats := reg.GetStats()
		if stats.TotalInstances == 0 {
			return health.StatusDegraded, "no instances registered", nil
		}
		if stats.HealthyInstances == 0 {
			return health.StatusDegraded, "no healthy instances", nil
		}
		return health.StatusHealthy, fmt.Sprintf("%d/%d instances healthy", stats.HealthyInstances, stats.TotalInstances), nil
	}))
	healthService.RegisterChecker("admission", health.NewCustomChecker("admission", func(ctx context.Context) (health.Status, string, error) {
		queued := adm.QueuedWaiters()
		if cfg.Admission.QueueSize > 0 && queued >= cfg.Admission.QueueSize {
			return health.StatusDegraded, "admission queue saturated", nil
		}
		return health.StatusHealthy, fmt.Sprintf("%d caller(s) queued", queued), nil
	}))
	if redisClient != nil {
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
	}

	// Background system metrics
	collector := metrics.NewMetricsCollector(appMetrics, gw.SystemStats, 15*time.Second)
	go collector.Start(ctx)

	// Create API router with all dependencies
	router := api.NewRouter(cfg, api.Deps{
		Gateway:     gw,
		Registry:    reg,
		Breakers:    breakers,
		Degradation: degradation,
		Health:      healthService,
		Metrics:     appMetrics,
		Tracing:     tracer,
		Auth:        authenticator,
		RateLimiter: rateLimiter,
		Audit:       audit,
		Version:     version,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting relay server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop the background loops in reverse dependency order
	if err := gw.Stop(); err != nil {
		log.Printf("Error stopping gateway: %v", err)
	}
	if healthMonitor != nil {
		healthMonitor.Stop()
	}
	collector.Stop()
	cancel()

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down tracing: %v", err)
	}

	log.Println("Server exited")
}
