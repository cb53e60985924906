package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cadenzahq/relay/pkg/errors"
)

// SnapshotCache stores point-in-time gateway state as JSON so dashboard
// polling does not hammer the live components.
//
// Every operation is nil-safe: without a Redis client a Get is a miss
// and a Set is a no-op, so the gateway runs unchanged when Redis is not
// configured.
type SnapshotCache struct {
	client *Client
	config *Config
}

// Config holds snapshot cache configuration
type Config struct {
	StatsTTL   time.Duration `json:"stats_ttl"`
	HealthTTL  time.Duration `json:"health_ttl"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// DefaultConfig returns default snapshot cache configuration
func DefaultConfig() *Config {
	return &Config{
		StatsTTL:   15 * time.Second,
		HealthTTL:  10 * time.Second,
		DefaultTTL: 1 * time.Minute,
	}
}

// NewSnapshotCache creates a new snapshot cache. A nil client is valid
// and disables caching.
func NewSnapshotCache(client *Client, config *Config) *SnapshotCache {
	if config == nil {
		config = DefaultConfig()
	}

	return &SnapshotCache{
		client: client,
		config: config,
	}
}

// Enabled reports whether a Redis client backs this cache
func (sc *SnapshotCache) Enabled() bool {
	return sc.client != nil
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	Prefix string
	ID     string
}

// String returns the formatted cache key
func (ck CacheKey) String() string {
	return ck.Prefix + ":" + ck.ID
}

// Cache key prefixes
const (
	PrefixStats            = "relay_stats"
	PrefixServiceHealth    = "service_health"
	PrefixDependencyHealth = "dependency_health"
)

// Set stores a value in cache with the specified TTL
func (sc *SnapshotCache) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	if sc.client == nil {
		return nil
	}

	data, err := sc.serialize(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl == 0 {
		ttl = sc.config.DefaultTTL
	}

	return sc.client.Set(ctx, key.String(), data, ttl)
}

// Get retrieves a value from cache
func (sc *SnapshotCache) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	if sc.client == nil {
		return errors.NewNotFoundError("cache key")
	}

	data, err := sc.client.Get(ctx, key.String())
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NewNotFoundError("cache key")
		}
		return err
	}

	if err := sc.deserialize(data, dest); err != nil {
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}

	return nil
}

// Delete removes a value from cache
func (sc *SnapshotCache) Delete(ctx context.Context, key CacheKey) error {
	if sc.client == nil {
		return nil
	}

	_, err := sc.client.Del(ctx, key.String())
	return err
}

// Exists checks if a key exists in cache
func (sc *SnapshotCache) Exists(ctx context.Context, key CacheKey) (bool, error) {
	if sc.client == nil {
		return false, nil
	}

	count, err := sc.client.Exists(ctx, key.String())
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetStats caches the gateway stats snapshot
func (sc *SnapshotCache) SetStats(ctx context.Context, stats interface{}) error {
	key := CacheKey{Prefix: PrefixStats, ID: "current"}
	return sc.Set(ctx, key, stats, sc.config.StatsTTL)
}

// GetStats retrieves the cached gateway stats snapshot
func (sc *SnapshotCache) GetStats(ctx context.Context, dest interface{}) error {
	key := CacheKey{Prefix: PrefixStats, ID: "current"}
	return sc.Get(ctx, key, dest)
}

// SetServiceHealth caches a per-service health snapshot
func (sc *SnapshotCache) SetServiceHealth(ctx context.Context, service string, health interface{}) error {
	key := CacheKey{Prefix: PrefixServiceHealth, ID: service}
	return sc.Set(ctx, key, health, sc.config.HealthTTL)
}

// GetServiceHealth retrieves a cached per-service health snapshot
func (sc *SnapshotCache) GetServiceHealth(ctx context.Context, service string, dest interface{}) error {
	key := CacheKey{Prefix: PrefixServiceHealth, ID: service}
	return sc.Get(ctx, key, dest)
}

// SetDependencyHealth caches the dependency health snapshot
func (sc *SnapshotCache) SetDependencyHealth(ctx context.Context, health interface{}) error {
	key := CacheKey{Prefix: PrefixDependencyHealth, ID: "current"}
	return sc.Set(ctx, key, health, sc.config.HealthTTL)
}

// GetDependencyHealth retrieves the cached dependency health snapshot
func (sc *SnapshotCache) GetDependencyHealth(ctx context.Context, dest interface{}) error {
	key := CacheKey{Prefix: PrefixDependencyHealth, ID: "current"}
	return sc.Get(ctx, key, dest)
}

// Invalidate removes all cached snapshots
func (sc *SnapshotCache) Invalidate(ctx context.Context) error {
	if sc.client == nil {
		return nil
	}

	patterns := []string{
		PrefixStats + ":*",
		PrefixServiceHealth + ":*",
		PrefixDependencyHealth + ":*",
	}

	for _, pattern := range patterns {
		keys, err := sc.client.Keys(ctx, pattern)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}
		if _, err := sc.client.Del(ctx, keys...); err != nil {
			return err
		}
	}

	return nil
}

// serialize converts a value to a JSON string
func (sc *SnapshotCache) serialize(value interface{}) (string, error) {
	if str, ok := value.(string); ok {
		return str, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// deserialize converts a JSON string to a value
func (sc *SnapshotCache) deserialize(data string, dest interface{}) error {
	if str, ok := dest.(*string); ok {
		*str = data
		return nil
	}

	return json.Unmarshal([]byte(data), dest)
}
