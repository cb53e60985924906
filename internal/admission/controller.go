package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/errors"
	"github.com/cadenzahq/relay/pkg/logging"
	"github.com/cadenzahq/relay/pkg/metrics"
)

// Outcome classifies what the controller decided for one request
type Outcome string

const (
	OutcomeAdmitted        Outcome = "admitted"
	OutcomeQueued          Outcome = "queued"
	OutcomeRejectedLimit   Outcome = "rejected_limit"
	OutcomeRejectedTimeout Outcome = "rejected_timeout"
	OutcomeCanceled        Outcome = "canceled"
	OutcomeClosed          Outcome = "closed"
)

// BreachHook is invoked the first time a caller key hits its limit
type BreachHook func(callerKey string)

type waiter struct {
	ch         chan error
	enqueuedAt time.Time
}

// rateWindow tracks one caller key. Each window has its own lock so
// unrelated callers never serialize on each other. A window removed
// from the map is marked stale under its lock, so an Admit holding a
// pre-removal pointer can detect it and retry instead of enqueueing
// a waiter nobody will ever release.
type rateWindow struct {
	mu           sync.Mutex
	windowStart  time.Time
	count        int
	queue        []*waiter
	breached     bool
	stale        bool
	lastActivity time.Time
	drainTimer   *time.Timer
}

// Controller applies a per-caller fixed request window with a bounded
// FIFO overflow queue. Requests over the limit are queued while the
// queue has room and released in arrival order when the window rolls;
// everything else is rejected immediately.
type Controller struct {
	maxRequests   int
	window        time.Duration
	queueSize     int
	queueTimeout  time.Duration
	sweepInterval time.Duration
	logger        *logging.Logger
	metrics       *metrics.Metrics

	mu      sync.RWMutex
	windows map[string]*rateWindow
	closed  bool

	hookMu        sync.RWMutex
	onFirstBreach BreachHook

	queued int64

	// Control channels
	stopCh chan struct{}
	doneCh chan struct{}

	// State
	stateMu sync.Mutex
	running bool
}

// NewController creates an admission controller. The sweeper that
// purges idle windows is started separately via Start.
func NewController(cfg config.AdmissionConfig, m *metrics.Metrics) *Controller {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if m == nil {
		m = &metrics.Metrics{}
	}

	return &Controller{
		maxRequests:   cfg.MaxRequests,
		window:        cfg.Window,
		queueSize:     cfg.QueueSize,
		queueTimeout:  cfg.QueueTimeout,
		sweepInterval: cfg.SweepInterval,
		logger:        logging.GetLogger(),
		metrics:       m,
		windows:       make(map[string]*rateWindow),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetBreachHook registers the callback fired once per caller key on
// its first rejection or queueing. The hook runs on its own goroutine
// so slow alerting never blocks the admission path.
func (c *Controller) SetBreachHook(hook BreachHook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onFirstBreach = hook
}

// Decision is the controller's answer for one request. Callers that
// receive OutcomeQueued must call Wait to either be admitted or learn
// the final rejection; abandoning a queued decision without Wait
// leaks its window slot until the next roll.
type Decision struct {
	Outcome       Outcome
	CallerKey     string
	QueuePosition int

	err        error
	waiter     *waiter
	controller *Controller
}

// Admit decides whether one request from the given caller key may
// proceed. It never blocks: a queued request blocks in Wait, not here.
func (c *Controller) Admit(ctx context.Context, callerKey string) *Decision {
	w := c.acquireWindow(callerKey)
	if w == nil {
		return &Decision{
			Outcome:   OutcomeRejectedLimit,
			CallerKey: callerKey,
			err:       errors.NewAdmissionClosedError(),
		}
	}

	now := time.Now()
	w.lastActivity = now

	if now.Sub(w.windowStart) >= c.window {
		c.rollWindowLocked(w, now)
	}

	if w.count < c.maxRequests {
		w.count++
		w.mu.Unlock()

		c.metrics.RecordAdmission(string(OutcomeAdmitted))
		c.logger.LogAdmissionEvent(ctx, callerKey, string(OutcomeAdmitted), 0, nil)
		return &Decision{Outcome: OutcomeAdmitted, CallerKey: callerKey}
	}

	firstBreach := !w.breached
	w.breached = true

	if len(w.queue) < c.queueSize {
		entry := &waiter{ch: make(chan error, 1), enqueuedAt: now}
		w.queue = append(w.queue, entry)
		position := len(w.queue)
		atomic.AddInt64(&c.queued, 1)
		c.scheduleDrainLocked(callerKey, w, now)
		w.mu.Unlock()

		c.metrics.RecordAdmission(string(OutcomeQueued))
		c.metrics.UpdateQueueDepth("admission", c.QueuedWaiters())
		c.logger.LogAdmissionEvent(ctx, callerKey, string(OutcomeQueued), position, nil)
		c.fireBreachHook(callerKey, firstBreach)

		return &Decision{
			Outcome:       OutcomeQueued,
			CallerKey:     callerKey,
			QueuePosition: position,
			waiter:        entry,
			controller:    c,
		}
	}

	w.mu.Unlock()

	c.metrics.RecordAdmission(string(OutcomeRejectedLimit))
	c.logger.LogAdmissionEvent(ctx, callerKey, string(OutcomeRejectedLimit), 0, logrus.Fields{
		"queue_size": c.queueSize,
	})
	c.fireBreachHook(callerKey, firstBreach)

	return &Decision{
		Outcome:   OutcomeRejectedLimit,
		CallerKey: callerKey,
		err:       errors.NewRateLimitError("rate limit exceeded and admission queue is full"),
	}
}

// Wait blocks a queued request until it is admitted, times out, or is
// canceled. For non-queued decisions it returns immediately.
func (d *Decision) Wait(ctx context.Context) error {
	if d.Outcome != OutcomeQueued {
		return d.err
	}

	c := d.controller
	deadline := d.waiter.enqueuedAt.Add(c.queueTimeout)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case err := <-d.waiter.ch:
		wait := time.Since(d.waiter.enqueuedAt)
		if err != nil {
			c.metrics.RecordAdmissionWait(string(OutcomeClosed), wait)
			return err
		}
		c.metrics.RecordAdmissionWait(string(OutcomeAdmitted), wait)
		c.logger.LogAdmissionEvent(ctx, d.CallerKey, string(OutcomeAdmitted), 0, logrus.Fields{
			"waited_ms": wait.Milliseconds(),
		})
		return nil

	case <-timer.C:
		if c.abandonWaiter(d.CallerKey, d.waiter) {
			wait := time.Since(d.waiter.enqueuedAt)
			c.metrics.RecordAdmission(string(OutcomeRejectedTimeout))
			c.metrics.RecordAdmissionWait(string(OutcomeRejectedTimeout), wait)
			c.logger.LogAdmissionEvent(ctx, d.CallerKey, string(OutcomeRejectedTimeout), 0, logrus.Fields{
				"waited_ms": wait.Milliseconds(),
			})
			return errors.NewQueueTimeoutError(d.CallerKey)
		}
		// Resolved concurrently with the deadline; honor the resolution
		return d.resolveRaced(ctx)

	case <-ctx.Done():
		if c.abandonWaiter(d.CallerKey, d.waiter) {
			c.metrics.RecordAdmissionWait(string(OutcomeCanceled), time.Since(d.waiter.enqueuedAt))
			c.logger.LogAdmissionEvent(ctx, d.CallerKey, string(OutcomeCanceled), 0, nil)
			return ctx.Err()
		}
		return d.resolveRaced(ctx)
	}
}

func (d *Decision) resolveRaced(ctx context.Context) error {
	err := <-d.waiter.ch
	wait := time.Since(d.waiter.enqueuedAt)
	if err != nil {
		d.controller.metrics.RecordAdmissionWait(string(OutcomeClosed), wait)
		return err
	}
	d.controller.metrics.RecordAdmissionWait(string(OutcomeAdmitted), wait)
	d.controller.logger.LogAdmissionEvent(ctx, d.CallerKey, string(OutcomeAdmitted), 0, logrus.Fields{
		"waited_ms": wait.Milliseconds(),
	})
	return nil
}

// acquireWindow returns the caller's window with its lock held, or
// nil if the controller is closed. A stale window is retried so the
// caller always ends up in the live map entry.
func (c *Controller) acquireWindow(callerKey string) *rateWindow {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return nil
		}
		w := c.windows[callerKey]
		c.mu.RUnlock()

		if w == nil {
			w = c.createWindow(callerKey)
			if w == nil {
				return nil
			}
		}

		w.mu.Lock()
		if w.stale {
			w.mu.Unlock()
			continue
		}
		return w
	}
}

func (c *Controller) createWindow(callerKey string) *rateWindow {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if w, ok := c.windows[callerKey]; ok {
		return w
	}

	w := &rateWindow{
		windowStart:  time.Now(),
		lastActivity: time.Now(),
	}
	c.windows[callerKey] = w
	return w
}

// rollWindowLocked starts a fresh window and hands its first slots to
// queued waiters in arrival order, before any newcomer is counted
func (c *Controller) rollWindowLocked(w *rateWindow, now time.Time) {
	w.windowStart = now
	w.count = 0

	for len(w.queue) > 0 && w.count < c.maxRequests {
		entry := w.queue[0]
		w.queue = w.queue[1:]
		w.count++
		entry.ch <- nil
		atomic.AddInt64(&c.queued, -1)
	}

	if len(w.queue) == 0 && w.drainTimer != nil {
		w.drainTimer.Stop()
		w.drainTimer = nil
	}
}

// scheduleDrainLocked arms a timer for the window boundary so queued
// waiters are released even if no further request arrives for the key
func (c *Controller) scheduleDrainLocked(callerKey string, w *rateWindow, now time.Time) {
	if w.drainTimer != nil {
		return
	}

	delay := w.windowStart.Add(c.window).Sub(now)
	if delay < 0 {
		delay = 0
	}

	w.drainTimer = time.AfterFunc(delay, func() {
		c.drainKey(callerKey)
	})
}

func (c *Controller) drainKey(callerKey string) {
	c.mu.RLock()
	w := c.windows[callerKey]
	c.mu.RUnlock()
	if w == nil {
		return
	}

	now := time.Now()

	w.mu.Lock()
	w.drainTimer = nil
	if now.Sub(w.windowStart) >= c.window {
		c.rollWindowLocked(w, now)
	}
	if len(w.queue) > 0 {
		c.scheduleDrainLocked(callerKey, w, now)
	}
	w.mu.Unlock()

	c.metrics.UpdateQueueDepth("admission", c.QueuedWaiters())
}

// abandonWaiter removes a waiter that timed out or was canceled. A
// false return means the waiter was already resolved by a drain or
// close, and the caller must honor that resolution instead.
func (c *Controller) abandonWaiter(callerKey string, target *waiter) bool {
	c.mu.RLock()
	w := c.windows[callerKey]
	c.mu.RUnlock()
	if w == nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for idx, entry := range w.queue {
		if entry == target {
			w.queue = append(w.queue[:idx], w.queue[idx+1:]...)
			if len(w.queue) == 0 && w.drainTimer != nil {
				w.drainTimer.Stop()
				w.drainTimer = nil
			}
			atomic.AddInt64(&c.queued, -1)
			c.metrics.UpdateQueueDepth("admission", c.QueuedWaiters())
			return true
		}
	}

	return false
}

func (c *Controller) fireBreachHook(callerKey string, firstBreach bool) {
	if !firstBreach {
		return
	}

	c.hookMu.RLock()
	hook := c.onFirstBreach
	c.hookMu.RUnlock()

	if hook != nil {
		go hook(callerKey)
	}
}

// QueuedWaiters returns the number of requests currently waiting
// across all caller keys
func (c *Controller) QueuedWaiters() int {
	return int(atomic.LoadInt64(&c.queued))
}

// TrackedWindows returns the number of caller keys currently tracked
func (c *Controller) TrackedWindows() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.windows)
}

// Sweep purges windows that have been idle for longer than their own
// duration and have no queued waiters. Returns the number purged.
func (c *Controller) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for key, w := range c.windows {
		w.mu.Lock()
		idle := len(w.queue) == 0 && now.Sub(w.lastActivity) > c.window
		if idle {
			w.stale = true
		}
		w.mu.Unlock()

		if idle {
			delete(c.windows, key)
			purged++
		}
	}

	if purged > 0 {
		c.logger.WithField("purged", purged).Debug("Purged idle rate windows")
	}

	return purged
}

// Start begins the periodic idle-window sweep
func (c *Controller) Start(ctx context.Context) error {
	c.stateMu.Lock()
	if c.running {
		c.stateMu.Unlock()
		return errors.NewValidationError("admission controller is already running")
	}
	c.running = true
	c.stateMu.Unlock()

	go c.sweepLoop(ctx)
	return nil
}

func (c *Controller) sweepLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts the controller down. Every queued waiter is released
// immediately with a rejection rather than being left to time out,
// and subsequent Admit calls are rejected.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.NewValidationError("admission controller is already closed")
	}
	c.closed = true
	windows := c.windows
	c.windows = make(map[string]*rateWindow)
	c.mu.Unlock()

	c.stateMu.Lock()
	if c.running {
		c.running = false
		close(c.stopCh)
		<-c.doneCh
	}
	c.stateMu.Unlock()

	released := 0
	for _, w := range windows {
		w.mu.Lock()
		w.stale = true
		if w.drainTimer != nil {
			w.drainTimer.Stop()
			w.drainTimer = nil
		}
		for _, entry := range w.queue {
			entry.ch <- errors.NewAdmissionClosedError()
			atomic.AddInt64(&c.queued, -1)
			released++
		}
		w.queue = nil
		w.mu.Unlock()
	}

	c.metrics.UpdateQueueDepth("admission", 0)
	if released > 0 {
		c.logger.WithField("released", released).Info("Admission controller closed with queued waiters")
	}

	return nil
}
