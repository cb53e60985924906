package balancer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cadenzahq/relay/internal/registry"
	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/errors"
	"github.com/cadenzahq/relay/pkg/logging"
	"github.com/cadenzahq/relay/pkg/metrics"
)

// Strategy selects how an instance is picked from the healthy set
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyRandom           Strategy = "random"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyHealthBased      Strategy = "health_based"
)

// ParseStrategy maps a config or query string onto a Strategy. The
// empty string means the round robin default.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastConnections, StrategyHealthBased:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown balancer strategy: %s", s))
}

// latencyAlpha weights the newest sample in the rolling latency average
const latencyAlpha = 0.3

// latencyScaleMs is the average latency at which the latency factor of
// the health score reaches 0.5
const latencyScaleMs = 100.0

// neutralFactor is the per-factor score assigned to instances with no
// recorded calls, so new instances compete without history
const neutralFactor = 0.5

type instanceMetrics struct {
	mu                    sync.Mutex
	service               string
	activeConnections     int64
	totalRequests         int64
	totalFailures         int64
	rollingAverageLatency float64 // milliseconds
}

// InstanceMetrics is a point-in-time copy of one instance's counters
type InstanceMetrics struct {
	Service               string  `json:"service,omitempty"`
	ActiveConnections     int64   `json:"active_connections"`
	TotalRequests         int64   `json:"total_requests"`
	TotalFailures         int64   `json:"total_failures"`
	RollingAverageLatency float64 `json:"rolling_average_latency_ms"`
}

// Balancer picks one healthy instance per request and tracks
// per-instance metrics reported back by callers. It never calls into
// the selected service itself. Metrics for deregistered instances are
// pruned lazily by the janitor, never reset in place.
type Balancer struct {
	registry      *registry.Registry
	strategy      Strategy
	latencyWeight float64
	failureWeight float64
	logger        *logging.Logger
	metrics       *metrics.Metrics

	mu       sync.RWMutex
	byID     map[string]*instanceMetrics
	cursors  map[string]*uint64
	interval time.Duration

	// Control channels
	stopCh chan struct{}
	doneCh chan struct{}

	// State
	stateMu sync.Mutex
	running bool
}

// NewBalancer creates a balancer over the given registry
func NewBalancer(reg *registry.Registry, cfg config.BalancerConfig, m *metrics.Metrics) *Balancer {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		strategy = StrategyRoundRobin
	}
	if cfg.LatencyWeight <= 0 {
		cfg.LatencyWeight = 0.6
	}
	if cfg.FailureWeight <= 0 {
		cfg.FailureWeight = 0.4
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	if m == nil {
		m = &metrics.Metrics{}
	}

	return &Balancer{
		registry:      reg,
		strategy:      strategy,
		latencyWeight: cfg.LatencyWeight,
		failureWeight: cfg.FailureWeight,
		logger:        logging.GetLogger(),
		metrics:       m,
		byID:          make(map[string]*instanceMetrics),
		cursors:       make(map[string]*uint64),
		interval:      cfg.JanitorInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Strategy returns the configured default strategy
func (b *Balancer) Strategy() Strategy {
	return b.strategy
}

// Pick selects one healthy instance of a service using the default
// strategy. Absence of a healthy instance is a normal outcome and is
// reported as an unavailability error, never a panic.
func (b *Balancer) Pick(service string, tags ...string) (*registry.Instance, error) {
	return b.PickWithStrategy(b.strategy, service, tags...)
}

// PickWithStrategy selects one healthy instance using an explicit
// per-call strategy
func (b *Balancer) PickWithStrategy(strategy Strategy, service string, tags ...string) (*registry.Instance, error) {
	healthy := b.registry.DiscoverHealthy(service, tags...)
	if len(healthy) == 0 {
		b.metrics.RecordNoInstance(service)
		return nil, errors.NewNoInstanceError(service)
	}

	var inst *registry.Instance
	switch strategy {
	case StrategyRandom:
		inst = healthy[rand.Intn(len(healthy))]
	case StrategyLeastConnections:
		inst = b.pickLeastConnections(healthy)
	case StrategyHealthBased:
		inst = b.pickHealthBased(healthy)
	default:
		inst = b.pickRoundRobin(service, healthy)
	}

	b.touch(inst.ID, service)
	b.metrics.RecordSelection(service, string(strategy))
	b.logger.WithFields(logrus.Fields{
		"target_service": service,
		"instance_id":    inst.ID,
		"strategy":       string(strategy),
	}).Debug("Instance selected")

	return inst, nil
}

// pickRoundRobin advances a monotonic per-service cursor over the
// current healthy set. The cursor survives healthy-set changes, so
// rotation stays deterministic when instances come and go.
func (b *Balancer) pickRoundRobin(service string, healthy []*registry.Instance) *registry.Instance {
	n := atomic.AddUint64(b.cursorFor(service), 1)
	return healthy[(n-1)%uint64(len(healthy))]
}

func (b *Balancer) cursorFor(service string) *uint64 {
	b.mu.RLock()
	cursor, ok := b.cursors[service]
	b.mu.RUnlock()
	if ok {
		return cursor
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cursor, ok = b.cursors[service]; ok {
		return cursor
	}
	cursor = new(uint64)
	b.cursors[service] = cursor
	return cursor
}

// pickLeastConnections picks the instance with the fewest active
// connections; ties keep the earliest-registered instance
func (b *Balancer) pickLeastConnections(healthy []*registry.Instance) *registry.Instance {
	best := healthy[0]
	bestConns := b.activeConnectionsFor(best.ID)

	for _, inst := range healthy[1:] {
		if conns := b.activeConnectionsFor(inst.ID); conns < bestConns {
			best = inst
			bestConns = conns
		}
	}

	return best
}

// pickHealthBased scores each instance from its rolling latency and
// failure rate; the highest score wins, ties keeping the
// earliest-registered instance
func (b *Balancer) pickHealthBased(healthy []*registry.Instance) *registry.Instance {
	best := healthy[0]
	bestScore := b.scoreFor(best.ID)

	for _, inst := range healthy[1:] {
		if score := b.scoreFor(inst.ID); score > bestScore {
			best = inst
			bestScore = score
		}
	}

	return best
}

func (b *Balancer) scoreFor(id string) float64 {
	b.mu.RLock()
	entry, ok := b.byID[id]
	b.mu.RUnlock()

	if !ok {
		return b.latencyWeight*neutralFactor + b.failureWeight*neutralFactor
	}

	entry.mu.Lock()
	requests := entry.totalRequests
	failures := entry.totalFailures
	latency := entry.rollingAverageLatency
	entry.mu.Unlock()

	if requests == 0 {
		return b.latencyWeight*neutralFactor + b.failureWeight*neutralFactor
	}

	latencyFactor := latencyScaleMs / (latencyScaleMs + latency)
	successFactor := 1.0 - float64(failures)/float64(requests)

	return b.latencyWeight*latencyFactor + b.failureWeight*successFactor
}

func (b *Balancer) activeConnectionsFor(id string) int64 {
	b.mu.RLock()
	entry, ok := b.byID[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.activeConnections
}

// touch creates the metrics entry on first selection and keeps the
// service label current for the connection gauges
func (b *Balancer) touch(id, service string) {
	entry := b.entryFor(id)
	entry.mu.Lock()
	entry.service = service
	entry.mu.Unlock()
}

func (b *Balancer) entryFor(id string) *instanceMetrics {
	b.mu.RLock()
	entry, ok := b.byID[id]
	b.mu.RUnlock()
	if ok {
		return entry
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok = b.byID[id]; ok {
		return entry
	}
	entry = &instanceMetrics{}
	b.byID[id] = entry
	return entry
}

// RecordConnectionStart marks one in-flight use of an instance.
// Callers pair it with RecordConnectionEnd around the actual call.
func (b *Balancer) RecordConnectionStart(id string) {
	entry := b.entryFor(id)

	entry.mu.Lock()
	entry.activeConnections++
	count, service := entry.activeConnections, entry.service
	entry.mu.Unlock()

	if service != "" {
		b.metrics.UpdateActiveConnections(service, id, count)
	}
}

// RecordConnectionEnd releases one in-flight use of an instance
func (b *Balancer) RecordConnectionEnd(id string) {
	entry := b.entryFor(id)

	entry.mu.Lock()
	if entry.activeConnections > 0 {
		entry.activeConnections--
	}
	count, service := entry.activeConnections, entry.service
	entry.mu.Unlock()

	if service != "" {
		b.metrics.UpdateActiveConnections(service, id, count)
	}
}

// RecordRequest reports the outcome of one completed request so the
// health based strategy has current latency and failure data
func (b *Balancer) RecordRequest(id string, latency time.Duration, success bool) {
	entry := b.entryFor(id)

	latencyMs := float64(latency.Milliseconds())

	entry.mu.Lock()
	entry.totalRequests++
	if !success {
		entry.totalFailures++
	}
	if entry.totalRequests == 1 {
		entry.rollingAverageLatency = latencyMs
	} else {
		entry.rollingAverageLatency = latencyAlpha*latencyMs + (1-latencyAlpha)*entry.rollingAverageLatency
	}
	entry.mu.Unlock()
}

// GetInstanceMetrics returns a copy of one instance's counters
func (b *Balancer) GetInstanceMetrics(id string) (InstanceMetrics, bool) {
	b.mu.RLock()
	entry, ok := b.byID[id]
	b.mu.RUnlock()
	if !ok {
		return InstanceMetrics{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return InstanceMetrics{
		Service:               entry.service,
		ActiveConnections:     entry.activeConnections,
		TotalRequests:         entry.totalRequests,
		TotalFailures:         entry.totalFailures,
		RollingAverageLatency: entry.rollingAverageLatency,
	}, true
}

// GetAllMetrics returns a copy of every tracked instance's counters,
// keyed by instance id
func (b *Balancer) GetAllMetrics() map[string]InstanceMetrics {
	b.mu.RLock()
	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	result := make(map[string]InstanceMetrics, len(ids))
	for _, id := range ids {
		if snapshot, ok := b.GetInstanceMetrics(id); ok {
			result[id] = snapshot
		}
	}
	return result
}

// Cleanup drops metrics and cursors for instances and services that
// are no longer registered. Returns the number of metric entries
// removed.
func (b *Balancer) Cleanup() int {
	registered := make(map[string]struct{})
	services := make(map[string]struct{})
	for _, inst := range b.registry.All() {
		registered[inst.ID] = struct{}{}
		services[inst.Name] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id := range b.byID {
		if _, ok := registered[id]; !ok {
			delete(b.byID, id)
			removed++
		}
	}
	for service := range b.cursors {
		if _, ok := services[service]; !ok {
			delete(b.cursors, service)
		}
	}

	if removed > 0 {
		b.logger.WithField("removed", removed).Debug("Pruned metrics for deregistered instances")
	}

	return removed
}

// Start begins the background janitor that lazily prunes metrics for
// deregistered instances
func (b *Balancer) Start(ctx context.Context) error {
	b.stateMu.Lock()
	if b.running {
		b.stateMu.Unlock()
		return errors.NewValidationError("balancer janitor is already running")
	}
	b.running = true
	b.stateMu.Unlock()

	go b.janitorLoop(ctx)
	return nil
}

// Stop stops the janitor
func (b *Balancer) Stop() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if !b.running {
		return errors.NewValidationError("balancer janitor is not running")
	}
	b.running = false

	close(b.stopCh)
	<-b.doneCh
	return nil
}

func (b *Balancer) janitorLoop(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Cleanup()
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
