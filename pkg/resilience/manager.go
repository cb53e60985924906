package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cadenzahq/relay/pkg/logging"
)

// ManagerConfig holds defaults applied to breakers the manager creates
type ManagerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	OnStateChange    func(name string, from CircuitState, to CircuitState)
}

// Manager owns one circuit breaker per dependency key. Unknown keys are
// initialized on first use with the manager's defaults, so callers never
// pre-register dependencies.
type Manager struct {
	config   ManagerConfig
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *logging.Logger
}

// NewManager creates a breaker manager with the given defaults
func NewManager(config ManagerConfig) *Manager {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}

	return &Manager{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logging.GetLogger(),
	}
}

// Get returns the breaker for name, creating it if needed
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check under the write lock
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cb = NewCircuitBreaker(CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: m.config.FailureThreshold,
		RecoveryTimeout:  m.config.RecoveryTimeout,
		OnStateChange:    m.config.OnStateChange,
	})
	m.breakers[name] = cb

	m.logger.Debug("Circuit breaker initialized",
		"name", name,
		"failure_threshold", m.config.FailureThreshold,
		"recovery_timeout", m.config.RecoveryTimeout.String(),
	)

	return cb
}

// Execute runs fn through the breaker for name
func (m *Manager) Execute(ctx context.Context, name string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return m.Get(name).Execute(ctx, fn)
}

// Names returns the known breaker names in sorted order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every breaker keyed by name
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.RUnlock()

	stats := make(map[string]Stats, len(breakers))
	for _, cb := range breakers {
		stats[cb.Name()] = cb.Stats()
	}
	return stats
}

// Reset forces the named breaker back to closed. It reports whether the
// breaker existed.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	cb.Reset()
	return true
}

// OpenCount returns the number of breakers currently open
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.RUnlock()

	open := 0
	for _, cb := range breakers {
		if cb.State() == StateOpen {
			open++
		}
	}
	return open
}
