package security

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/cadenzahq/relay/pkg/logging"
)

const (
	bucketIdleCutoff = 10 * time.Minute
	bucketPruneEvery = time.Minute
)

// RateLimitConfig holds edge rate limiting configuration for the ops
// API. The relay data path has its own admission control; this guard
// only covers the management surface.
type RateLimitConfig struct {
	RequestsPerSecond int           // steady-state per-client rate
	Burst             int           // burst capacity per client
	Window            time.Duration // counting window for the Redis backend
	TrustedIPs        []string      // bypass limiting entirely
	BlockedIPs        []string      // always refused

	// Distributed counting across replicas; nil falls back to
	// in-process token buckets
	RedisClient *redis.Client
	KeyPrefix   string
}

// DefaultRateLimitConfig returns the default edge limits
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		Window:            time.Minute,
		TrustedIPs:        []string{"127.0.0.1", "::1"},
		KeyPrefix:         "relay:ratelimit:",
	}
}

// clientBucket pairs a token bucket with its last use so idle entries
// can be pruned
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client request limits at the HTTP edge
type RateLimiter struct {
	config RateLimitConfig
	audit  *AuditLogger
	logger *logging.Logger

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastPrune time.Time
}

// NewRateLimiter creates a new edge rate limiter
func NewRateLimiter(cfg RateLimitConfig, audit *AuditLogger) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerSecond * 2
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "relay:ratelimit:"
	}

	return &RateLimiter{
		config:    cfg,
		audit:     audit,
		logger:    logging.GetLogger(),
		buckets:   make(map[string]*clientBucket),
		lastPrune: time.Now(),
	}
}

// Middleware returns a Gin middleware applying per-client limits
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if rl.isBlocked(clientIP) {
			rl.audit.LogSecurityEvent(c.Request.Context(), EventTypeBlockedIP,
				"Blocked IP attempted access", clientIP, map[string]interface{}{
					"path": c.Request.URL.Path,
				})
			c.JSON(http.StatusForbidden, gin.H{
				"error": "access denied",
			})
			c.Abort()
			return
		}

		if rl.isTrusted(clientIP) {
			c.Next()
			return
		}

		allowed, remaining, resetAt, err := rl.Allow(c.Request.Context(), clientIP)
		if err != nil {
			// Fail open: a broken limiter backend must not take the
			// ops API down with it
			rl.logger.WithError(err).Warn("Rate limit check failed")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !resetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		}

		if !allowed {
			retryAfter := 1
			if !resetAt.IsZero() {
				if secs := int(time.Until(resetAt).Seconds()); secs > retryAfter {
					retryAfter = secs
				}
			}

			rl.audit.LogSecurityEvent(c.Request.Context(), EventTypeRateLimitExceeded,
				"Rate limit exceeded", clientIP, map[string]interface{}{
					"path": c.Request.URL.Path,
				})

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Allow reports whether one more request from the client fits its
// limit. resetAt is zero for the token bucket backend, which has no
// window boundary.
func (rl *RateLimiter) Allow(ctx context.Context, clientKey string) (allowed bool, remaining int, resetAt time.Time, err error) {
	if rl.config.RedisClient != nil {
		return rl.allowRedis(ctx, clientKey)
	}
	allowed, remaining = rl.allowLocal(clientKey)
	return allowed, remaining, time.Time{}, nil
}

func (rl *RateLimiter) allowRedis(ctx context.Context, clientKey string) (bool, int, time.Time, error) {
	now := time.Now()
	windowStart := now.Truncate(rl.config.Window)
	resetAt := windowStart.Add(rl.config.Window)
	fullKey := rl.config.KeyPrefix + clientKey

	// The window budget mirrors the token bucket: steady rate over
	// the window plus the bucket depth
	budget := rl.config.RequestsPerSecond*int(rl.config.Window.Seconds()) + rl.config.Burst

	pipe := rl.config.RedisClient.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireAt(ctx, fullKey, resetAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, resetAt, fmt.Errorf("rate limit pipeline failed: %w", err)
	}

	count := int(incr.Val())
	remaining := budget - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= budget, remaining, resetAt, nil
}

func (rl *RateLimiter) allowLocal(clientKey string) (bool, int) {
	now := time.Now()

	rl.mu.Lock()
	if now.Sub(rl.lastPrune) > bucketPruneEvery {
		rl.pruneLocked(now)
	}

	entry, ok := rl.buckets[clientKey]
	if !ok {
		entry = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		}
		rl.buckets[clientKey] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	allowed := entry.limiter.Allow()

	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	return allowed, remaining
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	for key, entry := range rl.buckets {
		if now.Sub(entry.lastSeen) > bucketIdleCutoff {
			delete(rl.buckets, key)
		}
	}
	rl.lastPrune = now
}

// TrackedClients returns the number of clients with live token buckets
func (rl *RateLimiter) TrackedClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) isTrusted(ip string) bool {
	for _, trusted := range rl.config.TrustedIPs {
		if ip == trusted {
			return true
		}
	}
	return false
}

func (rl *RateLimiter) isBlocked(ip string) bool {
	for _, blocked := range rl.config.BlockedIPs {
		if ip == blocked {
			return true
		}
	}
	return false
}
