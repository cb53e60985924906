package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cadenzahq/relay/internal/balancer"
	"github.com/cadenzahq/relay/internal/registry"
	"github.com/cadenzahq/relay/pkg/errors"
	"github.com/cadenzahq/relay/pkg/metrics"
	"github.com/cadenzahq/relay/pkg/resilience"
)

// Stats is the gateway-wide dashboard snapshot. Dashboard polling reads
// it through the snapshot cache when Redis is configured.
type Stats struct {
	UptimeSeconds float64 `json:"uptime_seconds"`

	RelayedTotal  uint64 `json:"relayed_total"`
	DegradedTotal uint64 `json:"degraded_total"`
	RejectedTotal uint64 `json:"rejected_total"`
	FailedTotal   uint64 `json:"failed_total"`

	Registry  registry.Stats                      `json:"registry"`
	Instances map[string]balancer.InstanceMetrics `json:"instances,omitempty"`
	Breakers  map[string]resilience.Stats         `json:"breakers,omitempty"`

	QueuedWaiters  int `json:"queued_waiters"`
	TrackedWindows int `json:"tracked_windows"`

	DegradationLevel        string   `json:"degradation_level"`
	UnavailableDependencies []string `json:"unavailable_dependencies,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// ServiceHealth is the dashboard snapshot for one registered service
type ServiceHealth struct {
	Service     string                              `json:"service"`
	Instances   []*registry.Instance                `json:"instances"`
	Healthy     int                                 `json:"healthy"`
	Metrics     map[string]balancer.InstanceMetrics `json:"instance_metrics,omitempty"`
	Breaker     *resilience.Stats                   `json:"breaker,omitempty"`
	Dependency  *resilience.DependencyHealth        `json:"dependency,omitempty"`
	GeneratedAt time.Time                           `json:"generated_at"`
}

// DependencyReport is the dependencies dashboard snapshot
type DependencyReport struct {
	Level        string                                 `json:"level"`
	Unavailable  []string                               `json:"unavailable,omitempty"`
	Dependencies map[string]resilience.DependencyHealth `json:"dependencies"`
	GeneratedAt  time.Time                              `json:"generated_at"`
}

// GetStats assembles the gateway-wide snapshot, serving from the
// snapshot cache when a fresh copy exists
func (s *Service) GetStats(ctx context.Context) *Stats {
	var cached Stats
	if err := s.snapshots.GetStats(ctx, &cached); err == nil {
		return &cached
	}

	stats := &Stats{
		RelayedTotal:     atomic.LoadUint64(&s.relayed),
		DegradedTotal:    atomic.LoadUint64(&s.degraded),
		RejectedTotal:    atomic.LoadUint64(&s.rejected),
		FailedTotal:      atomic.LoadUint64(&s.failed),
		Registry:         s.registry.GetStats(),
		Instances:        s.balancer.GetAllMetrics(),
		Breakers:         s.breakers.Stats(),
		QueuedWaiters:    s.admission.QueuedWaiters(),
		TrackedWindows:   s.admission.TrackedWindows(),
		DegradationLevel: s.degradation.OverallLevel().String(),
		GeneratedAt:      time.Now(),
	}
	stats.UnavailableDependencies = s.degradation.UnavailableDependencies()

	s.stateMu.Lock()
	if s.running {
		stats.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	s.stateMu.Unlock()

	if err := s.snapshots.SetStats(ctx, stats); err != nil {
		s.logger.Warn("Failed to cache stats snapshot", "error", err.Error())
	}

	return stats
}

// GetServiceHealth assembles the snapshot for one service. Unknown
// services return a not-found error.
func (s *Service) GetServiceHealth(ctx context.Context, service string) (*ServiceHealth, error) {
	var cached ServiceHealth
	if err := s.snapshots.GetServiceHealth(ctx, service, &cached); err == nil {
		return &cached, nil
	}

	instances := s.registry.Discover(service)
	if len(instances) == 0 {
		return nil, errors.NewNotFoundError("service")
	}

	health := &ServiceHealth{
		Service:     service,
		Instances:   instances,
		Metrics:     make(map[string]balancer.InstanceMetrics),
		GeneratedAt: time.Now(),
	}
	for _, inst := range instances {
		if inst.Status == registry.StatusHealthy {
			health.Healthy++
		}
		if im, ok := s.balancer.GetInstanceMetrics(inst.ID); ok {
			health.Metrics[inst.ID] = im
		}
	}

	// Look the breaker and dependency up through their snapshot maps so
	// a dashboard read never creates tracking state
	if bs, ok := s.breakers.Stats()[service]; ok {
		health.Breaker = &bs
	}
	if dh, ok := s.degradation.GetAllHealth()[service]; ok {
		health.Dependency = &dh
	}

	if err := s.snapshots.SetServiceHealth(ctx, service, health); err != nil {
		s.logger.Warn("Failed to cache service health snapshot",
			"service", service,
			"error", err.Error(),
		)
	}

	return health, nil
}

// GetDependencyReport assembles the dependency health snapshot
func (s *Service) GetDependencyReport(ctx context.Context) *DependencyReport {
	var cached DependencyReport
	if err := s.snapshots.GetDependencyHealth(ctx, &cached); err == nil {
		return &cached
	}

	report := &DependencyReport{
		Level:        s.degradation.OverallLevel().String(),
		Unavailable:  s.degradation.UnavailableDependencies(),
		Dependencies: s.degradation.GetAllHealth(),
		GeneratedAt:  time.Now(),
	}

	if err := s.snapshots.SetDependencyHealth(ctx, report); err != nil {
		s.logger.Warn("Failed to cache dependency health snapshot", "error", err.Error())
	}

	return report
}

// SystemStats feeds the metrics collector's polled gauges
func (s *Service) SystemStats() metrics.SystemStats {
	regStats := s.registry.GetStats()
	return metrics.SystemStats{
		RegisteredInstances: regStats.TotalInstances,
		HealthyInstances:    regStats.HealthyInstances,
		QueuedWaiters:       s.admission.QueuedWaiters(),
		OpenBreakers:        s.breakers.OpenCount(),
		TrackedWindows:      s.admission.TrackedWindows(),
	}
}
