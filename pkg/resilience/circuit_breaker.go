package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cadenzahq/relay/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that
	// trips the breaker from closed to open
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open after the
	// most recent failure before admitting a trial request
	RecoveryTimeout time.Duration
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// Counts holds lifetime request outcomes
type Counts struct {
	TotalSuccesses      uint64
	TotalFailures       uint64
	ConsecutiveFailures uint32
}

// Stats is a point-in-time snapshot of a breaker
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	TotalSuccesses      uint64    `json:"total_successes"`
	TotalFailures       uint64    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	StateChangedAt      time.Time `json:"state_changed_at"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// CircuitBreaker is a state machine that stops calls to a dependency
// after repeated failures and probes for recovery with a single trial.
//
// Transitions are lazy: an open breaker moves to half-open on the first
// attempt after the recovery timeout, not on a timer.
type CircuitBreaker struct {
	name             string
	failureThreshold uint32
	timeout          time.Duration
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mutex          sync.Mutex
	state          CircuitState
	generation     uint64
	counts         Counts
	lastFailureAt  time.Time
	stateChangedAt time.Time
	trialInFlight  bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             config.Name,
		failureThreshold: uint32(config.FailureThreshold),
		timeout:          config.RecoveryTimeout,
		onStateChange:    config.OnStateChange,
		state:            StateClosed,
		stateChangedAt:   time.Now(),
		logger:           logging.GetLogger(),
	}

	if config.FailureThreshold <= 0 {
		cb.failureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		cb.timeout = 30 * time.Second
	}

	return cb
}

// Execute runs the given request if the circuit breaker accepts it
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil)
	return result, err
}

// Call is a convenience method that wraps Execute for functions that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// Do runs fn through the breaker and returns a typed result.
// Methods cannot carry type parameters, so this lives at package level.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}

	value, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker '%s' returned unexpected result type %T", cb.name, result)
	}
	return value, nil
}

// IsAvailable reports whether a call would currently be admitted.
// It does not claim the half-open trial slot.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(time.Now())
	return state != StateOpen
}

// RecordOutcome feeds an externally observed call result into the state
// machine. Callers that cannot wrap their work in Execute use this
// together with IsAvailable. The first outcome reported in half-open
// resolves the trial.
func (cb *CircuitBreaker) RecordOutcome(success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	return state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the breaker for status endpoints
func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(time.Now())
	return Stats{
		Name:                cb.name,
		State:               state.String(),
		TotalSuccesses:      cb.counts.TotalSuccesses,
		TotalFailures:       cb.counts.TotalFailures,
		ConsecutiveFailures: cb.counts.ConsecutiveFailures,
		StateChangedAt:      cb.stateChangedAt,
		LastFailureAt:       cb.lastFailureAt,
	}
}

// Reset forces the breaker back to closed and clears the failure streak.
// Lifetime totals are preserved.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.counts.ConsecutiveFailures = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed, time.Now())
	}
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, &CircuitBreakerError{Name: cb.name, State: StateOpen}
	}
	if state == StateHalfOpen {
		if cb.trialInFlight {
			return generation, &CircuitBreakerError{Name: cb.name, State: StateHalfOpen}
		}
		cb.trialInFlight = true
	}

	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.lastFailureAt = now

	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.failureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState performs the lazy open to half-open transition.
// Callers must hold the mutex.
func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	if cb.state == StateOpen && now.Sub(cb.lastFailureAt) >= cb.timeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.stateChangedAt = now
	cb.generation++
	cb.trialInFlight = false

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.LogBreakerTransition(context.Background(), cb.name, prev.String(), state.String(),
		int(cb.counts.ConsecutiveFailures), map[string]interface{}{
			"recovery_timeout": cb.timeout.String(),
		})
}

// CircuitBreakerError represents a request rejected by the breaker
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
