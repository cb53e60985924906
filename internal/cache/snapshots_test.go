package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/relay/pkg/config"
	"github.com/cadenzahq/relay/pkg/errors"
)

func setupTestCache(t *testing.T) *SnapshotCache {
	if testing.Short() {
		t.Skip("Skipping Redis-backed test")
	}

	redisConfig := &config.RedisConfig{
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       1, // Use different DB for tests
		PoolSize: 5,
	}

	client, err := NewClient(redisConfig)
	if err != nil {
		t.Skipf("Failed to connect to test Redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Clear test database
	err = client.FlushDB(context.Background())
	require.NoError(t, err)

	return NewSnapshotCache(client, DefaultConfig())
}

func TestSnapshotCache_DisabledWithoutClient(t *testing.T) {
	cache := NewSnapshotCache(nil, nil)
	ctx := context.Background()

	assert.False(t, cache.Enabled())

	key := CacheKey{Prefix: "test", ID: "nil-client"}

	// Writes are no-ops
	err := cache.Set(ctx, key, "value", time.Minute)
	assert.NoError(t, err)
	err = cache.SetStats(ctx, map[string]int{"relayed": 1})
	assert.NoError(t, err)

	// Reads are misses
	var result string
	err = cache.Get(ctx, key, &result)
	assert.True(t, errors.IsNotFound(err))

	var stats map[string]int
	err = cache.GetStats(ctx, &stats)
	assert.True(t, errors.IsNotFound(err))

	exists, err := cache.Exists(ctx, key)
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, cache.Delete(ctx, key))
	assert.NoError(t, cache.Invalidate(ctx))
}

func TestCacheKey_String(t *testing.T) {
	key := CacheKey{Prefix: PrefixServiceHealth, ID: "ai-provider"}
	assert.Equal(t, "service_health:ai-provider", key.String())
}

func TestSnapshotCache_SetAndGet(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "123"}
	value := map[string]interface{}{
		"service":   "ai-provider",
		"instances": 3,
	}

	err := cache.Set(ctx, key, value, 1*time.Minute)
	assert.NoError(t, err)

	var result map[string]interface{}
	err = cache.Get(ctx, key, &result)
	assert.NoError(t, err)
	assert.Equal(t, "ai-provider", result["service"])
	assert.Equal(t, float64(3), result["instances"]) // JSON unmarshaling converts to float64
}

func TestSnapshotCache_StatsSnapshot(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	type statsSnapshot struct {
		Relayed   int64     `json:"relayed"`
		Healthy   int       `json:"healthy"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	snapshot := statsSnapshot{
		Relayed:   42,
		Healthy:   3,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}

	err := cache.SetStats(ctx, snapshot)
	require.NoError(t, err)

	exists, err := cache.Exists(ctx, CacheKey{Prefix: PrefixStats, ID: "current"})
	require.NoError(t, err)
	assert.True(t, exists)

	var restored statsSnapshot
	err = cache.GetStats(ctx, &restored)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Relayed, restored.Relayed)
	assert.Equal(t, snapshot.Healthy, restored.Healthy)
	assert.True(t, snapshot.UpdatedAt.Equal(restored.UpdatedAt))
}

func TestSnapshotCache_ServiceHealthKeysAreIsolated(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	err := cache.SetServiceHealth(ctx, "ai-provider", map[string]string{"status": "healthy"})
	require.NoError(t, err)
	err = cache.SetServiceHealth(ctx, "transcription", map[string]string{"status": "degraded"})
	require.NoError(t, err)

	var health map[string]string
	err = cache.GetServiceHealth(ctx, "ai-provider", &health)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])

	err = cache.GetServiceHealth(ctx, "transcription", &health)
	require.NoError(t, err)
	assert.Equal(t, "degraded", health["status"])

	err = cache.GetServiceHealth(ctx, "embeddings", &health)
	assert.True(t, errors.IsNotFound(err))
}

func TestSnapshotCache_Invalidate(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetStats(ctx, map[string]int{"relayed": 1}))
	require.NoError(t, cache.SetServiceHealth(ctx, "search", map[string]string{"status": "healthy"}))

	unrelated := CacheKey{Prefix: "unrelated", ID: "1"}
	require.NoError(t, cache.Set(ctx, unrelated, "keep me", time.Minute))

	err := cache.Invalidate(ctx)
	require.NoError(t, err)

	var stats map[string]int
	err = cache.GetStats(ctx, &stats)
	assert.True(t, errors.IsNotFound(err))

	exists, err := cache.Exists(ctx, unrelated)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestClient_Counter(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()
	client := cache.client

	key := "test_counter:window"

	count, err := client.IncrBy(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	count, err = client.IncrBy(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)

	err = client.Expire(ctx, key, 30*time.Second)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, key)
	require.NoError(t, err)
	assert.True(t, ttl > 0)
	assert.True(t, ttl <= 30*time.Second)
}

func TestClient_Health(t *testing.T) {
	cache := setupTestCache(t)

	err := cache.client.Health(context.Background())
	assert.NoError(t, err)
}

func BenchmarkSnapshotCache_Set(b *testing.B) {
	redisConfig := &config.RedisConfig{Host: "localhost", Port: 6379, DB: 1, PoolSize: 5}
	client, err := NewClient(redisConfig)
	if err != nil {
		b.Skipf("Failed to connect to test Redis: %v", err)
	}
	defer client.Close()

	cache := NewSnapshotCache(client, DefaultConfig())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := CacheKey{Prefix: "bench", ID: fmt.Sprintf("%d", i)}
		cache.Set(ctx, key, "benchmark value", time.Minute)
	}
}
