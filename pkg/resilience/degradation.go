package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cadenzahq/relay/pkg/logging"
)

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNormal - all dependencies are operational
	LevelNormal DegradationLevel = iota
	// LevelPartial - some dependencies are degraded but core functionality works
	LevelPartial
	// LevelSevere - significant degradation, only essential dependencies work
	LevelSevere
	// LevelCritical - system is barely functional
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelPartial:
		return "partial"
	case LevelSevere:
		return "severe"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Weight given to the newest sample when updating the response time average.
const responseTimeAlpha = 0.3

// DependencyHealth is a snapshot of one tracked dependency
type DependencyHealth struct {
	Dependency          string        `json:"dependency"`
	Available           bool          `json:"available"`
	State               string        `json:"state"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastChecked         time.Time     `json:"last_checked"`
}

// DegradationConfig holds configuration for the degradation coordinator
type DegradationConfig struct {
	// FailureThreshold is the consecutive failure count that marks a
	// dependency unavailable
	FailureThreshold int
	// RecoveryTimeout is how long a dependency stays unavailable after
	// its most recent failure before outcomes are trusted again
	RecoveryTimeout time.Duration
	// Dependencies to pre-register so health snapshots list them before
	// any outcome is reported
	Dependencies []string
	// OnStateChange is invoked when a dependency flips state
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DegradationCoordinator tracks the health of external dependencies from
// reported call outcomes and decides when to serve fallback responses.
//
// Availability follows the same state machine as CircuitBreaker, driven
// in advisory mode: callers report outcomes with RecordSuccess and
// RecordFailure instead of wrapping calls in Execute. A dependency that
// has accumulated FailureThreshold consecutive failures is unavailable
// until RecoveryTimeout has passed since its last failure, after which
// the next reported outcome decides whether it recovers.
type DegradationCoordinator struct {
	manager   *Manager
	fallbacks *FallbackCatalog

	mutex   sync.RWMutex
	tracked map[string]*dependencyTrack

	logger *logging.Logger
}

type dependencyTrack struct {
	avgResponseTime time.Duration
	lastChecked     time.Time
}

// NewDegradationCoordinator creates a degradation coordinator
func NewDegradationCoordinator(config DegradationConfig) *DegradationCoordinator {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}

	dc := &DegradationCoordinator{
		manager: NewManager(ManagerConfig{
			FailureThreshold: config.FailureThreshold,
			RecoveryTimeout:  config.RecoveryTimeout,
			OnStateChange:    config.OnStateChange,
		}),
		fallbacks: NewFallbackCatalog(),
		tracked:   make(map[string]*dependencyTrack),
		logger:    logging.GetLogger(),
	}

	for _, dep := range config.Dependencies {
		dc.manager.Get(dep)
		dc.tracked[dep] = &dependencyTrack{}
	}

	return dc
}

// RecordSuccess reports a successful call to a dependency
func (dc *DegradationCoordinator) RecordSuccess(dependency string, responseTime time.Duration) {
	dc.manager.Get(dependency).RecordOutcome(true)

	dc.mutex.Lock()
	track := dc.track(dependency)
	if track.avgResponseTime == 0 {
		track.avgResponseTime = responseTime
	} else {
		track.avgResponseTime = time.Duration(
			responseTimeAlpha*float64(responseTime) + (1-responseTimeAlpha)*float64(track.avgResponseTime))
	}
	track.lastChecked = time.Now()
	dc.mutex.Unlock()
}

// RecordFailure reports a failed call to a dependency
func (dc *DegradationCoordinator) RecordFailure(dependency string) {
	dc.manager.Get(dependency).RecordOutcome(false)

	dc.mutex.Lock()
	dc.track(dependency).lastChecked = time.Now()
	dc.mutex.Unlock()
}

// track returns the tracking record for a dependency, creating it if
// needed. Callers must hold the mutex.
func (dc *DegradationCoordinator) track(dependency string) *dependencyTrack {
	t, ok := dc.tracked[dependency]
	if !ok {
		t = &dependencyTrack{}
		dc.tracked[dependency] = t
	}
	return t
}

// IsAvailable reports whether a dependency should be called right now.
// Unknown dependencies are treated as available.
func (dc *DegradationCoordinator) IsAvailable(dependency string) bool {
	return dc.manager.Get(dependency).IsAvailable()
}

// GetHealth returns a snapshot of one dependency
func (dc *DegradationCoordinator) GetHealth(dependency string) DependencyHealth {
	stats := dc.manager.Get(dependency).Stats()

	dc.mutex.RLock()
	track := dc.tracked[dependency]
	health := DependencyHealth{
		Dependency:          dependency,
		Available:           stats.State != StateOpen.String(),
		State:               stats.State,
		ConsecutiveFailures: stats.ConsecutiveFailures,
	}
	if track != nil {
		health.AverageResponseTime = track.avgResponseTime
		health.LastChecked = track.lastChecked
	}
	dc.mutex.RUnlock()

	return health
}

// GetAllHealth returns snapshots of every tracked dependency
func (dc *DegradationCoordinator) GetAllHealth() map[string]DependencyHealth {
	names := dc.manager.Names()

	result := make(map[string]DependencyHealth, len(names))
	for _, name := range names {
		result[name] = dc.GetHealth(name)
	}
	return result
}

// UnavailableDependencies returns the names of dependencies currently
// marked unavailable
func (dc *DegradationCoordinator) UnavailableDependencies() []string {
	var unavailable []string
	for _, name := range dc.manager.Names() {
		if !dc.manager.Get(name).IsAvailable() {
			unavailable = append(unavailable, name)
		}
	}
	return unavailable
}

// OverallLevel derives a system-wide degradation level from the fraction
// of unavailable dependencies
func (dc *DegradationCoordinator) OverallLevel() DegradationLevel {
	names := dc.manager.Names()
	if len(names) == 0 {
		return LevelNormal
	}

	unavailable := 0
	for _, name := range names {
		if !dc.manager.Get(name).IsAvailable() {
			unavailable++
		}
	}

	fraction := float64(unavailable) / float64(len(names))
	switch {
	case fraction >= 0.75:
		return LevelCritical
	case fraction >= 0.5:
		return LevelSevere
	case unavailable > 0:
		return LevelPartial
	default:
		return LevelNormal
	}
}

// GetFallback returns a canned response for a dependency that should not
// be called. The category selects the response pool; unknown categories
// fall back to general-inquiry.
func (dc *DegradationCoordinator) GetFallback(ctx context.Context, dependency, category string) FallbackResponse {
	resp := dc.fallbacks.Pick(category, "dependency "+dependency+" unavailable")

	dc.logger.LogFallbackEvent(ctx, dependency, resp.Category, resp.Reason, nil)
	return resp
}

// Catalog exposes the fallback catalog for customization
func (dc *DegradationCoordinator) Catalog() *FallbackCatalog {
	return dc.fallbacks
}

// Reset forces a dependency back to available
func (dc *DegradationCoordinator) Reset(dependency string) bool {
	return dc.manager.Reset(dependency)
}
