package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadenzahq/relay/internal/admission"
	"github.com/cadenzahq/relay/internal/balancer"
	"github.com/cadenzahq/relay/internal/cache"
	"github.com/cadenzahq/relay/internal/registry"
	"github.com/cadenzahq/relay/pkg/errors"
	"github.com/cadenzahq/relay/pkg/logging"
	"github.com/cadenzahq/relay/pkg/metrics"
	"github.com/cadenzahq/relay/pkg/resilience"
	"github.com/cadenzahq/relay/pkg/tracing"
)

// Config contains gateway configuration
type Config struct {
	// ForwardTimeout bounds a single proxied call to a backend instance
	ForwardTimeout time.Duration
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() *Config {
	return &Config{
		ForwardTimeout: 30 * time.Second,
	}
}

// Deps are the traffic-plane components the gateway composes. Registry,
// prober, balancer, admission, breakers and degradation are required;
// snapshots and tracing are optional.
type Deps struct {
	Registry    *registry.Registry
	Prober      *registry.Prober
	Balancer    *balancer.Balancer
	Admission   *admission.Controller
	Breakers    *resilience.Manager
	Degradation *resilience.DegradationCoordinator
	Snapshots   *cache.SnapshotCache
	Tracing     *tracing.TracingService
	Metrics     *metrics.Metrics
}

// Service is the relay facade: every inbound request passes through its
// pipeline (admission, instance selection, breaker-guarded forward,
// outcome recording, degraded answers), and the ops API reads all of
// its snapshots from here.
type Service struct {
	config      *Config
	registry    *registry.Registry
	prober      *registry.Prober
	balancer    *balancer.Balancer
	admission   *admission.Controller
	breakers    *resilience.Manager
	degradation *resilience.DegradationCoordinator
	snapshots   *cache.SnapshotCache
	tracing     *tracing.TracingService
	metrics     *metrics.Metrics
	logger      *logging.Logger

	httpClient *http.Client

	startedAt time.Time
	relayed   uint64
	degraded  uint64
	rejected  uint64
	failed    uint64

	stateMu sync.Mutex
	running bool
}

// NewService creates the gateway from its components
func NewService(deps Deps, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = &metrics.Metrics{}
	}
	if deps.Snapshots == nil {
		deps.Snapshots = cache.NewSnapshotCache(nil, nil)
	}

	client := &http.Client{Timeout: cfg.ForwardTimeout}
	if deps.Tracing != nil {
		client = deps.Tracing.InstrumentHTTPClient(client)
	}

	return &Service{
		config:      cfg,
		registry:    deps.Registry,
		prober:      deps.Prober,
		balancer:    deps.Balancer,
		admission:   deps.Admission,
		breakers:    deps.Breakers,
		degradation: deps.Degradation,
		snapshots:   deps.Snapshots,
		tracing:     deps.Tracing,
		metrics:     deps.Metrics,
		logger:      logging.GetLogger(),
		httpClient:  client,
	}
}

// Start launches the background loops: health probing, balancer metric
// pruning and the admission sweep
func (s *Service) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.running {
		return errors.NewValidationError("gateway already started")
	}

	if err := s.prober.Start(ctx); err != nil {
		return err
	}
	if err := s.balancer.Start(ctx); err != nil {
		s.prober.Stop()
		return err
	}
	if err := s.admission.Start(ctx); err != nil {
		s.balancer.Stop()
		s.prober.Stop()
		return err
	}

	s.startedAt = time.Now()
	s.running = true
	s.logger.Info("Gateway started",
		"forward_timeout", s.config.ForwardTimeout.String(),
		"strategy", string(s.balancer.Strategy()),
	)
	return nil
}

// Stop shuts the background loops down in reverse order. The admission
// controller releases every queued waiter with a rejection.
func (s *Service) Stop() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.running {
		return errors.NewValidationError("gateway not started")
	}
	s.running = false

	var firstErr error
	if err := s.admission.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.balancer.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.prober.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("Gateway stopped",
		"relayed", atomic.LoadUint64(&s.relayed),
		"degraded", atomic.LoadUint64(&s.degraded),
	)
	return firstErr
}

// RelayRequest describes one inbound request for the pipeline
type RelayRequest struct {
	// Service is the logical backend name the caller is addressing
	Service string
	// CallerKey identifies the caller for admission control; the API
	// layer passes the client IP
	CallerKey string

	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte

	// Tags filters instance discovery; Strategy overrides the balancer
	// default for this call
	Tags     []string
	Strategy string

	// FallbackCategory selects the canned-response pool when the
	// request ends degraded; empty means general-inquiry
	FallbackCategory string
}

// RelayResult is the pipeline's answer: either a proxied backend
// response or a degraded fallback
type RelayResult struct {
	Service    string                       `json:"service"`
	InstanceID string                       `json:"instance_id,omitempty"`
	StatusCode int                          `json:"status_code,omitempty"`
	Header     http.Header                  `json:"-"`
	Body       []byte                       `json:"-"`
	Latency    time.Duration                `json:"latency"`
	Degraded   bool                         `json:"degraded"`
	Fallback   *resilience.FallbackResponse `json:"fallback,omitempty"`
}

// upstreamStatusError marks a forwarded call that reached the instance
// but came back 5xx. The response still propagates to the caller; the
// error exists so the breaker counts it as a failure.
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

type proxyResponse struct {
	status int
	header http.Header
	body   []byte
}

// Relay passes one request through the full pipeline: admission by
// caller key, dependency availability, instance selection, a
// breaker-guarded forward, and outcome recording. When the dependency
// is out it answers with a flagged fallback instead of an error; real
// call failures surface unchanged.
func (s *Service) Relay(ctx context.Context, req *RelayRequest) (*RelayResult, error) {
	if req == nil || req.Service == "" {
		return nil, errors.NewValidationError("relay request needs a service name")
	}
	callerKey := req.CallerKey
	if callerKey == "" {
		callerKey = "anonymous"
	}

	start := time.Now()

	decision := s.admission.Admit(ctx, callerKey)
	if err := decision.Wait(ctx); err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.metrics.RecordRelayRequest(req.Service, "rejected", time.Since(start))
		return nil, err
	}

	if s.tracing != nil {
		spanCtx, span := s.tracing.StartRelaySpan(ctx, "relay", req.Service)
		ctx = spanCtx
		defer span.End()
	}

	if !s.degradation.IsAvailable(req.Service) {
		return s.answerDegraded(ctx, req, start), nil
	}

	inst, err := s.pick(req)
	if err != nil {
		s.metrics.RecordRelayRequest(req.Service, "no_instance", time.Since(start))
		return nil, err
	}

	s.balancer.RecordConnectionStart(inst.ID)
	attemptStart := time.Now()
	result, err := s.breakers.Execute(ctx, req.Service, func(ctx context.Context) (interface{}, error) {
		return s.forward(ctx, inst, req)
	})
	latency := time.Since(attemptStart)
	s.balancer.RecordConnectionEnd(inst.ID)

	if err != nil {
		if resilience.IsCircuitBreakerError(err) {
			// Rejected without an attempt; nothing to record against
			// the instance
			return s.answerDegraded(ctx, req, start), nil
		}
		if statusErr, ok := err.(*upstreamStatusError); ok {
			// The instance answered 5xx: count the failure, but the
			// response itself still belongs to the caller
			resp := result.(*proxyResponse)
			s.recordOutcome(req.Service, inst.ID, latency, false)
			atomic.AddUint64(&s.relayed, 1)
			s.metrics.RecordRelayRequest(req.Service, "relayed", time.Since(start))
			s.logger.LogRelayEvent(ctx, req.Service, inst.ID, req.Method, req.Path, statusErr.status, time.Since(start))
			return &RelayResult{
				Service:    req.Service,
				InstanceID: inst.ID,
				StatusCode: resp.status,
				Header:     resp.header,
				Body:       resp.body,
				Latency:    time.Since(start),
			}, nil
		}
		if ctx.Err() != nil {
			// Caller abandoned the request; not the dependency's fault
			return nil, ctx.Err()
		}

		s.recordOutcome(req.Service, inst.ID, latency, false)
		atomic.AddUint64(&s.failed, 1)
		s.metrics.RecordRelayRequest(req.Service, "error", time.Since(start))
		return nil, errors.NewDependencyError(req.Service, "upstream call failed").
			WithDetail("instance_id", inst.ID).
			WithCause(err)
	}

	resp := result.(*proxyResponse)
	s.recordOutcome(req.Service, inst.ID, latency, true)
	atomic.AddUint64(&s.relayed, 1)
	s.metrics.RecordRelayRequest(req.Service, "relayed", time.Since(start))
	s.logger.LogRelayEvent(ctx, req.Service, inst.ID, req.Method, req.Path, resp.status, time.Since(start))

	return &RelayResult{
		Service:    req.Service,
		InstanceID: inst.ID,
		StatusCode: resp.status,
		Header:     resp.header,
		Body:       resp.body,
		Latency:    time.Since(start),
	}, nil
}

func (s *Service) pick(req *RelayRequest) (*registry.Instance, error) {
	if req.Strategy != "" {
		strategy, err := balancer.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, err
		}
		return s.balancer.PickWithStrategy(strategy, req.Service, req.Tags...)
	}
	return s.balancer.Pick(req.Service, req.Tags...)
}

// recordOutcome feeds one call result into the balancer metrics, the
// degradation coordinator and the prometheus vectors
func (s *Service) recordOutcome(service, instanceID string, latency time.Duration, success bool) {
	s.balancer.RecordRequest(instanceID, latency, success)
	if success {
		s.degradation.RecordSuccess(service, latency)
	} else {
		s.degradation.RecordFailure(service)
	}
	s.metrics.RecordDependencyCall(service, success, latency)
}

func (s *Service) answerDegraded(ctx context.Context, req *RelayRequest, start time.Time) *RelayResult {
	category := req.FallbackCategory
	if category == "" {
		category = resilience.CategoryGeneralInquiry
	}

	fb := s.degradation.GetFallback(ctx, req.Service, category)
	atomic.AddUint64(&s.degraded, 1)
	s.metrics.RecordFallback(req.Service, fb.Category)
	s.metrics.RecordRelayRequest(req.Service, "degraded", time.Since(start))

	return &RelayResult{
		Service:  req.Service,
		Latency:  time.Since(start),
		Degraded: true,
		Fallback: &fb,
	}
}

// ProviderResult is CallProvider's answer: the call's own value, or a
// degraded fallback when the provider should not be called
type ProviderResult struct {
	Provider string                       `json:"provider"`
	Value    interface{}                  `json:"value,omitempty"`
	Latency  time.Duration                `json:"latency"`
	Degraded bool                         `json:"degraded"`
	Fallback *resilience.FallbackResponse `json:"fallback,omitempty"`
}

// CallProvider invokes fn against a named single-instance provider
// under breaker protection, with the outcome feeding the degradation
// coordinator. It is the path for dependencies that are not registered
// as balanced instances, hosted AI APIs in particular. An unavailable
// provider or an open breaker yields a flagged fallback, not an error.
func (s *Service) CallProvider(ctx context.Context, provider, fallbackCategory string, fn func(ctx context.Context) (interface{}, error)) (*ProviderResult, error) {
	if provider == "" {
		return nil, errors.NewValidationError("provider name cannot be empty")
	}

	start := time.Now()

	if s.tracing != nil {
		spanCtx, span := s.tracing.StartDependencySpan(ctx, provider, "call")
		ctx = spanCtx
		defer span.End()
	}

	if !s.degradation.IsAvailable(provider) {
		return s.providerFallback(ctx, provider, fallbackCategory, start), nil
	}

	attemptStart := time.Now()
	value, err := s.breakers.Execute(ctx, provider, fn)
	latency := time.Since(attemptStart)

	if err != nil {
		if resilience.IsCircuitBreakerError(err) {
			return s.providerFallback(ctx, provider, fallbackCategory, start), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.degradation.RecordFailure(provider)
		s.metrics.RecordDependencyCall(provider, false, latency)
		atomic.AddUint64(&s.failed, 1)
		return nil, errors.NewDependencyError(provider, "provider call failed").WithCause(err)
	}

	s.degradation.RecordSuccess(provider, latency)
	s.metrics.RecordDependencyCall(provider, true, latency)
	atomic.AddUint64(&s.relayed, 1)

	return &ProviderResult{
		Provider: provider,
		Value:    value,
		Latency:  time.Since(start),
	}, nil
}

func (s *Service) providerFallback(ctx context.Context, provider, category string, start time.Time) *ProviderResult {
	if category == "" {
		category = resilience.CategoryGeneralInquiry
	}

	fb := s.degradation.GetFallback(ctx, provider, category)
	atomic.AddUint64(&s.degraded, 1)
	s.metrics.RecordFallback(provider, fb.Category)

	return &ProviderResult{
		Provider: provider,
		Latency:  time.Since(start),
		Degraded: true,
		Fallback: &fb,
	}
}

// Hop-by-hop headers are stripped from both directions of the forward
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forward performs the actual HTTP call to the chosen instance. A
// transport-level failure returns an error; a 5xx answer returns both
// the response and an upstreamStatusError so the breaker counts it.
func (s *Service) forward(ctx context.Context, inst *registry.Instance, req *RelayRequest) (*proxyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ForwardTimeout)
	defer cancel()

	target := inst.Address + req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	copyHeaders(httpReq.Header, req.Header)
	if req.CallerKey != "" && httpReq.Header.Get("X-Forwarded-For") == "" {
		httpReq.Header.Set("X-Forwarded-For", req.CallerKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	proxied := &proxyResponse{
		status: resp.StatusCode,
		header: header,
		body:   respBody,
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return proxied, &upstreamStatusError{status: resp.StatusCode}
	}
	return proxied, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopHeader(key string) bool {
	for _, hop := range hopHeaders {
		if http.CanonicalHeaderKey(key) == hop {
			return true
		}
	}
	return false
}
