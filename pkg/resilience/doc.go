// Package resilience provides circuit breaking, retry logic, graceful
// degradation, and alerting for calls to unreliable dependencies.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker trips after a run of consecutive failures and
// rejects calls until the recovery timeout has passed, then admits a
// single trial call to decide whether the dependency has recovered.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "ai-provider",
//		FailureThreshold: 5,
//		RecoveryTimeout:  30 * time.Second,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return provider.Call(ctx, data)
//	})
//
// Typed results go through the package-level wrapper:
//
//	resp, err := resilience.Do(ctx, cb, func(ctx context.Context) (*Response, error) {
//		return provider.Call(ctx, data)
//	})
//
// A Manager keeps one breaker per dependency and initializes unknown
// keys on first use:
//
//	mgr := resilience.NewManager(resilience.ManagerConfig{
//		FailureThreshold: 5,
//		RecoveryTimeout:  30 * time.Second,
//	})
//	result, err := mgr.Execute(ctx, "embeddings", call)
//
// # Retry with Exponential Backoff
//
// The retry mechanism automatically retries failed operations with
// exponential backoff and jitter to avoid thundering herd problems.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig())
//	err := retrier.Execute(ctx, func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// # Graceful Degradation
//
// The degradation coordinator tracks dependency health from reported
// call outcomes and serves canned fallback responses while a dependency
// is unavailable.
//
//	dc := resilience.NewDegradationCoordinator(resilience.DegradationConfig{
//		FailureThreshold: 3,
//		RecoveryTimeout:  60 * time.Second,
//		Dependencies:     []string{"ai-provider"},
//	})
//
//	if !dc.IsAvailable("ai-provider") {
//		return dc.GetFallback(ctx, "ai-provider", resilience.ClassifyQuery(query))
//	}
//	resp, err := provider.Call(ctx, query)
//	if err != nil {
//		dc.RecordFailure("ai-provider")
//	} else {
//		dc.RecordSuccess("ai-provider", elapsed)
//	}
//
// # Error Alerting
//
// The alerting system generates and routes alerts based on error patterns
// and system health changes.
//
//	am := resilience.NewAlertManager()
//	am.AddHandler(resilience.NewLoggingAlertHandler())
//
//	eag := resilience.NewErrorAlertGenerator(am)
//	eag.HandleError(ctx, err, "service-name", metadata)
//
// # Combined Usage
//
// For maximum resilience, combine breaker and retry using RetryableOperation:
//
//	op := resilience.NewRetryableOperation("service-name", cbConfig, retryConfig)
//	result, err := op.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return externalService.Call(ctx, data)
//	})
//
// The package is designed to be thread-safe and can handle high-concurrency
// scenarios typical in distributed systems.
package resilience
