package resilience

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appErrors "github.com/cadenzahq/relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockBackend simulates an upstream dependency that can fail
type MockBackend struct {
	name         string
	failureRate  float64
	responseTime time.Duration
	requestCount int
	failureCount int
	mutex        sync.Mutex
	forceFailure bool
}

func NewMockBackend(name string, failureRate float64, responseTime time.Duration) *MockBackend {
	return &MockBackend{
		name:         name,
		failureRate:  failureRate,
		responseTime: responseTime,
	}
}

func (m *MockBackend) Call(ctx context.Context, data string) (string, error) {
	m.mutex.Lock()
	m.requestCount++
	requestNum := m.requestCount
	m.mutex.Unlock()

	// Simulate response time
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(m.responseTime):
	}

	// Determine if this request should fail
	shouldFail := m.forceFailure || (float64(requestNum%100) < m.failureRate*100)

	if shouldFail {
		m.mutex.Lock()
		m.failureCount++
		m.mutex.Unlock()
		return "", appErrors.NewExternalError(m.name, fmt.Sprintf("simulated failure for request %d", requestNum))
	}

	return fmt.Sprintf("success-%s-%d", data, requestNum), nil
}

func (m *MockBackend) SetForceFailure(force bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.forceFailure = force
}

func (m *MockBackend) GetStats() (int, int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.requestCount, m.failureCount
}

// TestIntegration_ErrorHandlingWorkflow tests the complete error handling workflow
func TestIntegration_ErrorHandlingWorkflow(t *testing.T) {
	// Setup components
	alertManager := NewAlertManager()
	alertHandler := &mockAlertHandler{name: "integration-test"}
	alertManager.AddHandler(alertHandler)

	errorAlertGenerator := NewErrorAlertGenerator(alertManager)

	dependencies := []string{"ai-provider", "transcription", "embeddings"}
	coordinator := NewDegradationCoordinator(DegradationConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  500 * time.Millisecond,
		Dependencies:     dependencies,
	})

	backends := make(map[string]*MockBackend)
	for _, dependency := range dependencies {
		backends[dependency] = NewMockBackend(dependency, 0, 20*time.Millisecond)
	}

	// Create retryable operations for each dependency
	retryableOps := make(map[string]*RetryableOperation)
	for _, dependency := range dependencies {
		cbConfig := CircuitBreakerConfig{
			Name:             fmt.Sprintf("cb-%s", dependency),
			FailureThreshold: 3,
			RecoveryTimeout:  500 * time.Millisecond,
		}
		retryConfig := DefaultRetryConfig()
		retryConfig.MaxAttempts = 3
		retryConfig.InitialDelay = 10 * time.Millisecond

		retryableOps[dependency] = NewRetryableOperation(dependency, cbConfig, retryConfig)
	}

	ctx := context.Background()

	// Phase 1: Normal operation
	t.Run("Phase1_NormalOperation", func(t *testing.T) {
		for _, dependency := range dependencies {
			backend := backends[dependency]
			op := retryableOps[dependency]

			result, err := op.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return backend.Call(ctx, "test-data")
			})

			require.NoError(t, err)
			assert.Contains(t, result.(string), "success")
			assert.Equal(t, StateClosed, op.State())

			coordinator.RecordSuccess(dependency, 20*time.Millisecond)
		}

		// Check degradation level
		assert.Equal(t, LevelNormal, coordinator.OverallLevel())

		for _, dependency := range dependencies {
			assert.True(t, coordinator.IsAvailable(dependency))
		}
	})

	// Phase 2: Introduce failures in one dependency
	t.Run("Phase2_SingleDependencyFailure", func(t *testing.T) {
		backends["ai-provider"].SetForceFailure(true)

		// One raw call surfaces the underlying dependency error
		_, rawErr := backends["ai-provider"].Call(ctx, "probe")
		require.Error(t, rawErr)
		errorAlertGenerator.HandleError(ctx, rawErr, "ai-provider", nil)
		coordinator.RecordFailure("ai-provider")

		// Drive the guarded path until the breaker rejects outright
		for i := 0; i < 6; i++ {
			_, err := retryableOps["ai-provider"].Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return backends["ai-provider"].Call(ctx, "test-data")
			})

			if err != nil {
				errorAlertGenerator.HandleError(ctx, err, "ai-provider", map[string]interface{}{
					"attempt": i + 1,
				})
				coordinator.RecordFailure("ai-provider")
			}
		}

		// Circuit breaker should be open
		assert.Equal(t, StateOpen, retryableOps["ai-provider"].State())

		// Coordinator should have marked the dependency unavailable
		assert.False(t, coordinator.IsAvailable("ai-provider"))

		// System should be in partial degradation
		assert.Equal(t, LevelPartial, coordinator.OverallLevel())

		// Should have received error alerts
		assert.Greater(t, len(alertHandler.Alerts()), 0)

		// A fallback should be served in place of the real call
		fallback := coordinator.GetFallback(ctx, "ai-provider", "greeting")
		assert.True(t, fallback.IsFallback)
		assert.Equal(t, "greeting", fallback.Category)
	})

	// Phase 3: Multiple dependency failures
	t.Run("Phase3_MultipleDependencyFailures", func(t *testing.T) {
		backends["transcription"].SetForceFailure(true)

		for i := 0; i < 5; i++ {
			_, err := retryableOps["transcription"].Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return backends["transcription"].Call(ctx, "test-data")
			})

			if err != nil {
				errorAlertGenerator.HandleError(ctx, err, "transcription", nil)
				coordinator.RecordFailure("transcription")
			}
		}

		// Both dependencies should be unavailable now
		assert.ElementsMatch(t, []string{"ai-provider", "transcription"}, coordinator.UnavailableDependencies())

		// Two of three dependencies down crosses into severe degradation
		assert.Equal(t, LevelSevere, coordinator.OverallLevel())

		// The remaining dependency is unaffected
		assert.True(t, coordinator.IsAvailable("embeddings"))
	})

	// Phase 4: Recovery
	t.Run("Phase4_Recovery", func(t *testing.T) {
		backends["ai-provider"].SetForceFailure(false)
		backends["transcription"].SetForceFailure(false)

		// Wait out the recovery timeout
		time.Sleep(600 * time.Millisecond)

		// The next call through the breaker is the trial request
		var lastErr error
		for i := 0; i < 5; i++ {
			result, err := retryableOps["ai-provider"].Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return backends["ai-provider"].Call(ctx, "recovery-test")
			})

			lastErr = err
			if err == nil {
				assert.Contains(t, result.(string), "success")
				coordinator.RecordSuccess("ai-provider", 20*time.Millisecond)
				break
			}
			time.Sleep(100 * time.Millisecond)
		}

		// Should eventually succeed
		assert.NoError(t, lastErr)

		// Circuit breaker should be closed again
		assert.Equal(t, StateClosed, retryableOps["ai-provider"].State())
		assert.True(t, coordinator.IsAvailable("ai-provider"))

		// Report recovery for the other dependency too
		coordinator.RecordSuccess("transcription", 30*time.Millisecond)
		assert.Equal(t, "closed", coordinator.GetHealth("transcription").State)

		assert.Equal(t, LevelNormal, coordinator.OverallLevel())
	})

	// Verify alert generation
	t.Run("VerifyAlerts", func(t *testing.T) {
		alerts := alertHandler.Alerts()

		// Should have received multiple alerts
		assert.Greater(t, len(alerts), 5)

		// Check for different types of alerts
		hasExternalAlert := false
		hasBreakerAlert := false

		for _, alert := range alerts {
			if alert.Tags["error_type"] == "external" {
				hasExternalAlert = true
			}
			if alert.Tags["circuit_breaker"] == "true" {
				hasBreakerAlert = true
			}
		}

		assert.True(t, hasExternalAlert, "Should have external dependency error alerts")
		assert.True(t, hasBreakerAlert, "Should have circuit breaker rejection alerts")
	})
}

// TestIntegration_ConcurrentFailures tests error handling under concurrent load
func TestIntegration_ConcurrentFailures(t *testing.T) {
	backend := NewMockBackend("concurrent-test", 0.3, 10*time.Millisecond)

	cbConfig := CircuitBreakerConfig{
		Name:             "concurrent-cb",
		FailureThreshold: 5,
		RecoveryTimeout:  100 * time.Millisecond,
	}
	retryConfig := DefaultRetryConfig()
	retryConfig.MaxAttempts = 2
	retryConfig.InitialDelay = 5 * time.Millisecond

	op := NewRetryableOperation("concurrent-test", cbConfig, retryConfig)

	const numGoroutines = 50
	const requestsPerGoroutine = 10

	var wg sync.WaitGroup
	successCount := int64(0)
	errorCount := int64(0)
	var mutex sync.Mutex

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Launch concurrent requests
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			for j := 0; j < requestsPerGoroutine; j++ {
				_, err := op.Execute(ctx, func(ctx context.Context) (interface{}, error) {
					return backend.Call(ctx, fmt.Sprintf("g%d-r%d", goroutineID, j))
				})

				mutex.Lock()
				if err != nil {
					errorCount++
				} else {
					successCount++
				}
				mutex.Unlock()

				// Small delay between requests
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()

	totalRequests := int64(numGoroutines * requestsPerGoroutine)
	t.Logf("Total requests: %d, Successes: %d, Errors: %d", totalRequests, successCount, errorCount)
	t.Logf("Circuit breaker state: %s", op.State())
	t.Logf("Circuit breaker counts: %+v", op.Counts())

	backendRequests, backendFailures := backend.GetStats()
	t.Logf("Backend stats - Requests: %d, Failures: %d", backendRequests, backendFailures)

	// Verify that we handled the load without panics
	assert.Equal(t, totalRequests, successCount+errorCount)
	assert.Greater(t, successCount, int64(0), "Should have some successful requests")
	assert.Greater(t, errorCount, int64(0), "Should have some failed requests")

	// The breaker shielded the backend from part of the load
	counts := op.Counts()
	assert.Greater(t, counts.TotalFailures, uint64(0))
	assert.LessOrEqual(t, int64(backendRequests), totalRequests*int64(retryConfig.MaxAttempts))
}

// TestIntegration_GracefulDegradation tests the complete graceful degradation workflow
func TestIntegration_GracefulDegradation(t *testing.T) {
	// Setup alert system
	alertManager := NewAlertManager()
	alertManager.SetRateLimit(1000, time.Hour)
	alertHandler := &mockAlertHandler{name: "degradation-test"}
	alertManager.AddHandler(alertHandler)

	// Setup degradation tracking
	coordinator := NewDegradationCoordinator(DegradationConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  300 * time.Millisecond,
		Dependencies:     []string{"profile", "search", "embeddings", "transcription"},
	})

	healthMonitor := NewSystemHealthMonitor(alertManager, coordinator)
	healthMonitor.checkInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	// Phase 1: All dependencies healthy
	assert.Equal(t, LevelNormal, coordinator.OverallLevel())

	// Phase 2: One dependency fails
	for i := 0; i < 3; i++ {
		coordinator.RecordFailure("search")
	}
	time.Sleep(50 * time.Millisecond) // Allow monitor to detect

	assert.Equal(t, LevelPartial, coordinator.OverallLevel())

	// Phase 3: A second dependency fails
	for i := 0; i < 3; i++ {
		coordinator.RecordFailure("profile")
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, LevelSevere, coordinator.OverallLevel())

	// Phase 4: Recovery after the timeout window
	time.Sleep(350 * time.Millisecond)

	coordinator.RecordSuccess("search", 50*time.Millisecond)
	coordinator.RecordSuccess("profile", 100*time.Millisecond)

	assert.Equal(t, LevelNormal, coordinator.OverallLevel())
	assert.Equal(t, "closed", coordinator.GetHealth("search").State)
	assert.Equal(t, "closed", coordinator.GetHealth("profile").State)

	// Verify alerts were generated
	alerts := alertHandler.Alerts()
	assert.Greater(t, len(alerts), 0)

	// Check for degradation level change alerts
	foundDegradationAlerts := 0
	foundDependencyAlert := false
	for _, alert := range alerts {
		if alert.Title == "System Degradation Level Changed" {
			foundDegradationAlerts++
			if alert.Tags["current_level"] == "severe" {
				assert.Equal(t, SeverityError, alert.Severity)
			}
		}
		if alert.Title == "Dependency Unavailable" {
			foundDependencyAlert = true
		}
	}
	assert.Greater(t, foundDegradationAlerts, 0, "Should have received degradation level change alerts")
	assert.True(t, foundDependencyAlert, "Should have received dependency unavailable alerts")
}
