package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Relay pipeline metrics
	RelayRequestsTotal   *prometheus.CounterVec
	RelayRequestDuration *prometheus.HistogramVec

	// Admission metrics
	AdmissionOutcomes     *prometheus.CounterVec
	AdmissionQueueDepth   *prometheus.GaugeVec
	AdmissionWaitDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	BreakerRejections  *prometheus.CounterVec

	// Health probe metrics
	ProbesTotal   *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec

	// Load balancer metrics
	SelectionsTotal   *prometheus.CounterVec
	NoInstanceTotal   *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec

	// Dependency and fallback metrics
	DependencyCalls   *prometheus.CounterVec
	DependencyLatency *prometheus.HistogramVec
	FallbacksTotal    *prometheus.CounterVec

	// Cache metrics
	CacheHitRatio          *prometheus.GaugeVec
	CacheOperationDuration *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	// Authentication metrics
	AuthenticationAttempts *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "relay",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Relay pipeline metrics
		RelayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "relay_requests_total",
				Help:      "Total number of relayed requests by outcome",
			},
			[]string{"service", "outcome"},
		),
		RelayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "relay_request_duration_seconds",
				Help:      "End-to-end relay duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "outcome"},
		),

		// Admission metrics
		AdmissionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "admission_outcomes_total",
				Help:      "Admission controller verdicts",
			},
			[]string{"outcome"},
		),
		AdmissionQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "admission_queue_depth",
				Help:      "Number of requests currently queued for admission",
			},
			[]string{"controller"},
		),
		AdmissionWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "admission_wait_duration_seconds",
				Help:      "Time spent waiting in the admission queue",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		),

		// Circuit breaker metrics
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"name"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_rejections_total",
				Help:      "Calls rejected by an open circuit breaker",
			},
			[]string{"name"},
		),

		// Health probe metrics
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probes_total",
				Help:      "Health probes by result",
			},
			[]string{"service", "status"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probe_duration_seconds",
				Help:      "Health probe duration in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"service"},
		),

		// Load balancer metrics
		SelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "balancer_selections_total",
				Help:      "Instance selections by strategy",
			},
			[]string{"service", "strategy"},
		),
		NoInstanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "balancer_no_instance_total",
				Help:      "Selections that found no healthy instance",
			},
			[]string{"service"},
		),
		ActiveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_connections",
				Help:      "In-flight requests per instance",
			},
			[]string{"service", "instance"},
		),

		// Dependency and fallback metrics
		DependencyCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dependency_calls_total",
				Help:      "Calls to external dependencies by status",
			},
			[]string{"dependency", "status"},
		),
		DependencyLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dependency_latency_seconds",
				Help:      "External dependency call latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"dependency"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Degraded responses served in place of real calls",
			},
			[]string{"dependency", "category"},
		),

		// Cache metrics
		CacheHitRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_hit_ratio",
				Help:      "Cache hit ratio",
			},
			[]string{"cache_type"},
		),
		CacheOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operation_duration_seconds",
				Help:      "Cache operation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "cache_type"},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),

		// Authentication metrics
		AuthenticationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "authentication_attempts_total",
				Help:      "Admin authentication attempts",
			},
			[]string{"provider", "status"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RelayRequestsTotal,
		m.RelayRequestDuration,
		m.AdmissionOutcomes,
		m.AdmissionQueueDepth,
		m.AdmissionWaitDuration,
		m.BreakerTransitions,
		m.BreakerState,
		m.BreakerRejections,
		m.ProbesTotal,
		m.ProbeDuration,
		m.SelectionsTotal,
		m.NoInstanceTotal,
		m.ActiveConnections,
		m.DependencyCalls,
		m.DependencyLatency,
		m.FallbacksTotal,
		m.CacheHitRatio,
		m.CacheOperationDuration,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.AuthenticationAttempts,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordRelayRequest records an end-to-end relay outcome
func (m *Metrics) RecordRelayRequest(service, outcome string, duration time.Duration) {
	if m.RelayRequestsTotal == nil {
		return
	}

	m.RelayRequestsTotal.WithLabelValues(service, outcome).Inc()
	m.RelayRequestDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

// RecordAdmission records an admission verdict
func (m *Metrics) RecordAdmission(outcome string) {
	if m.AdmissionOutcomes == nil {
		return
	}

	m.AdmissionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordAdmissionWait records time spent in the admission queue
func (m *Metrics) RecordAdmissionWait(outcome string, wait time.Duration) {
	if m.AdmissionWaitDuration == nil {
		return
	}

	m.AdmissionWaitDuration.WithLabelValues(outcome).Observe(wait.Seconds())
}

// UpdateQueueDepth updates the admission queue depth gauge
func (m *Metrics) UpdateQueueDepth(controller string, depth int) {
	if m.AdmissionQueueDepth == nil {
		return
	}

	m.AdmissionQueueDepth.WithLabelValues(controller).Set(float64(depth))
}

// RecordBreakerTransition records a circuit breaker state change
func (m *Metrics) RecordBreakerTransition(name, from, to string) {
	if m.BreakerTransitions == nil {
		return
	}

	m.BreakerTransitions.WithLabelValues(name, from, to).Inc()
	m.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

// RecordBreakerRejection records a call rejected by an open breaker
func (m *Metrics) RecordBreakerRejection(name string) {
	if m.BreakerRejections == nil {
		return
	}

	m.BreakerRejections.WithLabelValues(name).Inc()
}

// RecordProbe records a health probe result
func (m *Metrics) RecordProbe(service, status string, duration time.Duration) {
	if m.ProbesTotal == nil {
		return
	}

	m.ProbesTotal.WithLabelValues(service, status).Inc()
	m.ProbeDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordSelection records an instance selection
func (m *Metrics) RecordSelection(service, strategy string) {
	if m.SelectionsTotal == nil {
		return
	}

	m.SelectionsTotal.WithLabelValues(service, strategy).Inc()
}

// RecordNoInstance records a selection that found no healthy instance
func (m *Metrics) RecordNoInstance(service string) {
	if m.NoInstanceTotal == nil {
		return
	}

	m.NoInstanceTotal.WithLabelValues(service).Inc()
}

// UpdateActiveConnections updates the per-instance in-flight gauge
func (m *Metrics) UpdateActiveConnections(service, instance string, count int64) {
	if m.ActiveConnections == nil {
		return
	}

	m.ActiveConnections.WithLabelValues(service, instance).Set(float64(count))
}

// RecordDependencyCall records an external dependency call
func (m *Metrics) RecordDependencyCall(dependency string, success bool, latency time.Duration) {
	if m.DependencyCalls == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}
	m.DependencyCalls.WithLabelValues(dependency, status).Inc()
	m.DependencyLatency.WithLabelValues(dependency).Observe(latency.Seconds())
}

// RecordFallback records a degraded response
func (m *Metrics) RecordFallback(dependency, category string) {
	if m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(dependency, category).Inc()
}

// UpdateCacheHitRatio updates cache hit ratio metrics
func (m *Metrics) UpdateCacheHitRatio(cacheType string, ratio float64) {
	if m.CacheHitRatio == nil {
		return
	}

	m.CacheHitRatio.WithLabelValues(cacheType).Set(ratio)
}

// RecordCacheOperation records cache operation metrics
func (m *Metrics) RecordCacheOperation(operation, cacheType string, duration time.Duration) {
	if m.CacheOperationDuration == nil {
		return
	}

	m.CacheOperationDuration.WithLabelValues(operation, cacheType).Observe(duration.Seconds())
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// RecordAuthentication records admin authentication attempts
func (m *Metrics) RecordAuthentication(provider, status string) {
	if m.AuthenticationAttempts == nil {
		return
	}

	m.AuthenticationAttempts.WithLabelValues(provider, status).Inc()
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// SystemStats is a point-in-time snapshot polled by the collector
type SystemStats struct {
	RegisteredInstances int
	HealthyInstances    int
	QueuedWaiters       int
	OpenBreakers        int
	TrackedWindows      int
}

// MetricsCollector periodically polls gateway counters into gauges
type MetricsCollector struct {
	metrics  *Metrics
	source   func() SystemStats
	interval time.Duration
	stopCh   chan struct{}

	systemGauge *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, source func() SystemStats, interval time.Duration) *MetricsCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "system_stats",
			Help:      "Gateway-level counts polled from live components",
		},
		[]string{"stat"},
	)
	prometheus.MustRegister(gauge)

	return &MetricsCollector{
		metrics:     metrics,
		source:      source,
		interval:    interval,
		stopCh:      make(chan struct{}),
		systemGauge: gauge,
	}
}

// Start begins metrics collection
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collect()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collect() {
	if mc.source == nil {
		return
	}

	stats := mc.source()
	mc.systemGauge.WithLabelValues("registered_instances").Set(float64(stats.RegisteredInstances))
	mc.systemGauge.WithLabelValues("healthy_instances").Set(float64(stats.HealthyInstances))
	mc.systemGauge.WithLabelValues("queued_waiters").Set(float64(stats.QueuedWaiters))
	mc.systemGauge.WithLabelValues("open_breakers").Set(float64(stats.OpenBreakers))
	mc.systemGauge.WithLabelValues("tracked_windows").Set(float64(stats.TrackedWindows))
}
