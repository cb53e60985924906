package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/errors"
	"github.com/cadenzahq/relay/pkg/logging"
	"github.com/cadenzahq/relay/pkg/metrics"
)

const proberShutdownTimeout = 10 * time.Second

// CheckFunc performs a single health check against an instance
type CheckFunc func(ctx context.Context, inst *Instance) error

// Prober periodically health-checks every registered instance and
// writes the outcome back into the registry. Probe I/O runs on a
// bounded worker pool against a snapshot, so the registry lock is
// never held across the network.
type Prober struct {
	registry    *Registry
	client      *http.Client
	check       CheckFunc
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	logger      *logging.Logger
	metrics     *metrics.Metrics

	// Control channels
	stopCh chan struct{}
	doneCh chan struct{}

	// State
	mu      sync.Mutex
	running bool
}

// NewProber creates a prober for the given registry
func NewProber(reg *Registry, cfg config.ProberConfig, m *metrics.Metrics) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if m == nil {
		m = &metrics.Metrics{}
	}

	p := &Prober{
		registry:    reg,
		client:      &http.Client{Timeout: cfg.Timeout},
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		logger:      logging.GetLogger(),
		metrics:     m,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	p.check = p.httpCheck

	return p
}

// SetCheckFunc replaces the HTTP health check with a custom one
func (p *Prober) SetCheckFunc(check CheckFunc) {
	p.check = check
}

// Start begins the periodic probe loop. An initial sweep runs
// immediately so freshly seeded instances become routable without
// waiting a full interval.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.NewValidationError("prober is already running")
	}
	p.running = true
	p.mu.Unlock()

	go p.probeLoop(ctx)

	p.logger.WithFields(logrus.Fields{
		"interval_ms": p.interval.Milliseconds(),
		"timeout_ms":  p.timeout.Milliseconds(),
		"concurrency": p.concurrency,
	}).Info("Health prober started")

	return nil
}

// Stop stops the probe loop and waits for in-flight probes to finish
// or abort on their own timeout
func (p *Prober) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.NewValidationError("prober is not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
	case <-time.After(proberShutdownTimeout):
		return errors.NewTimeoutError("prober shutdown")
	}

	p.logger.Info("Health prober stopped")
	return nil
}

func (p *Prober) probeLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll(ctx)

	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll runs one sweep over every registered instance using at
// most the configured number of concurrent workers
func (p *Prober) ProbeAll(ctx context.Context) {
	instances := p.registry.All()
	if len(instances) == 0 {
		return
	}

	workers := p.concurrency
	if workers > len(instances) {
		workers = len(instances)
	}

	jobs := make(chan *Instance)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inst := range jobs {
				p.probeInstance(ctx, inst)
			}
		}()
	}

	for _, inst := range instances {
		jobs <- inst
	}
	close(jobs)

	wg.Wait()
}

func (p *Prober) probeInstance(ctx context.Context, inst *Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.check(probeCtx, inst)
	duration := time.Since(start)

	// A canceled parent context means the prober is shutting down,
	// not that the instance failed
	if ctx.Err() != nil {
		return
	}

	status := StatusHealthy
	var fields logrus.Fields
	if err != nil {
		status = StatusUnhealthy
		fields = logrus.Fields{"error": err.Error()}
	}

	// The instance may have been deregistered while the probe was in
	// flight; never recreate an entry for it
	if !p.registry.UpdateStatus(inst.Name, inst.ID, status, time.Now()) {
		return
	}

	p.metrics.RecordProbe(inst.Name, string(status), duration)
	p.logger.LogProbeEvent(ctx, inst.Name, inst.ID, string(status), duration, fields)
}

func (p *Prober) httpCheck(ctx context.Context, inst *Instance) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.HealthURL(), nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
