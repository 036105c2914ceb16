// Package cache provides the L1/L2 lookup cache in front of the dedup
// engine: resolved entity identities are held in-process in Ristretto, with
// an optional shared Redis tier so a fleet of workers converges on the same
// resolutions without re-querying the graph.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResolutionCache maps (tenant, normalized name) to the canonical entity id
// that name resolved to. L1 is Ristretto; L2 is Redis when configured.
type ResolutionCache struct {
	l1        *ristretto.Cache[string, string]
	l2        *redis.Client
	ttl       time.Duration
	logger    *zap.Logger
	metrics   Metrics
	metricsMu sync.Mutex
}

// Metrics tracks hit rates across both tiers.
type Metrics struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
	Stores   int64
}

// NewResolutionCache builds the cache. redisClient may be nil for
// single-process deployments; maxEntries defaults to 10000 and ttl to
// 5 minutes.
func NewResolutionCache(maxEntries int64, ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) (*ResolutionCache, error) {
	if maxEntries == 0 {
		maxEntries = 10000
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &ResolutionCache{
		l1:     l1,
		l2:     redisClient,
		ttl:    ttl,
		logger: logger.Named("resolution_cache"),
	}, nil
}

func resolutionKey(tenant, normalizedName string) string {
	return "resolve:" + tenant + ":" + normalizedName
}

// Lookup returns the cached canonical id for the name, checking L1 then L2.
// An L2 hit is promoted into L1.
func (c *ResolutionCache) Lookup(ctx context.Context, tenant, normalizedName string) (string, bool) {
	key := resolutionKey(tenant, normalizedName)

	if id, found := c.l1.Get(key); found {
		c.record(func(m *Metrics) { m.L1Hits++ })
		return id, true
	}
	c.record(func(m *Metrics) { m.L1Misses++ })

	if c.l2 == nil {
		return "", false
	}
	id, err := c.l2.Get(ctx, key).Result()
	if err != nil || id == "" {
		c.record(func(m *Metrics) { m.L2Misses++ })
		return "", false
	}
	c.record(func(m *Metrics) { m.L2Hits++ })
	c.l1.SetWithTTL(key, id, 1, c.ttl)
	return id, true
}

// Store records a resolution in both tiers. The L2 write is asynchronous and
// best effort.
func (c *ResolutionCache) Store(ctx context.Context, tenant, normalizedName, canonicalID string) {
	key := resolutionKey(tenant, normalizedName)
	c.l1.SetWithTTL(key, canonicalID, 1, c.ttl)
	c.record(func(m *Metrics) { m.Stores++ })

	if c.l2 != nil {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.l2.Set(bg, key, canonicalID, c.ttl).Err(); err != nil {
				c.logger.Warn("failed to write resolution to shared cache",
					zap.String("key", key), zap.Error(err))
			}
		}()
	}
}

// Invalidate drops a resolution from both tiers, e.g. after a merge retires
// the cached canonical.
func (c *ResolutionCache) Invalidate(ctx context.Context, tenant, normalizedName string) error {
	key := resolutionKey(tenant, normalizedName)
	c.l1.Del(key)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to invalidate shared cache entry: %w", err)
		}
	}
	return nil
}

// InvalidateTenant clears the whole L1 tier. Redis entries age out via TTL;
// a tenant-wide scan is not worth it on the ingestion path.
func (c *ResolutionCache) InvalidateTenant(tenant string) {
	c.l1.Clear()
}

// Wait flushes pending L1 writes. Ristretto applies sets asynchronously, so
// tests and read-after-write paths call this before lookups.
func (c *ResolutionCache) Wait() { c.l1.Wait() }

// Snapshot returns a copy of the metrics.
func (c *ResolutionCache) Snapshot() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// HitRate is the L1 hit fraction.
func (c *ResolutionCache) HitRate() float64 {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	total := c.metrics.L1Hits + c.metrics.L1Misses
	if total == 0 {
		return 0
	}
	return float64(c.metrics.L1Hits) / float64(total)
}

func (c *ResolutionCache) record(fn func(*Metrics)) {
	c.metricsMu.Lock()
	fn(&c.metrics)
	c.metricsMu.Unlock()
}

// Close releases the L1 tier. The Redis client is owned by the caller.
func (c *ResolutionCache) Close() {
	c.l1.Close()
}
