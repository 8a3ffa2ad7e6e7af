package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/types"
)

// DefaultCacheTTL bounds how long a decision may be reused
const DefaultCacheTTL = 5 * time.Minute

// DecisionCache stores routing decisions for a TTL. Implementations must never
// return an entry whose age is at least the TTL.
type DecisionCache interface {
	Get(ctx context.Context, key types.CacheKey) (*types.RoutingDecisionResponse, bool)
	Set(ctx context.Context, key types.CacheKey, resp *types.RoutingDecisionResponse)
	Clear(ctx context.Context) error
}

type cacheEntry struct {
	resp     *types.RoutingDecisionResponse
	storedAt time.Time
}

// MemoryDecisionCache is a process-local DecisionCache
type MemoryDecisionCache struct {
	mu      sync.Mutex
	entries map[types.CacheKey]cacheEntry
	ttl     time.Duration
	clock   clock.Clock
}

// NewMemoryDecisionCache creates an in-memory cache
func NewMemoryDecisionCache(ttl time.Duration, clk clock.Clock) *MemoryDecisionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryDecisionCache{
		entries: make(map[types.CacheKey]cacheEntry),
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *MemoryDecisionCache) Get(ctx context.Context, key types.CacheKey) (*types.RoutingDecisionResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Since(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.resp.Clone(), true
}

func (c *MemoryDecisionCache) Set(ctx context.Context, key types.CacheKey, resp *types.RoutingDecisionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	// drop expired entries so the map does not grow without bound
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{resp: resp.Clone(), storedAt: now}
}

func (c *MemoryDecisionCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[types.CacheKey]cacheEntry)
	return nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryDecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisDecisionCache shares decisions between router replicas. Expiry is enforced by
// redis and re-checked against the stored timestamp.
type RedisDecisionCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  clock.Clock
	logger *logrus.Logger
}

type redisEntry struct {
	StoredAt time.Time                      `json:"stored_at"`
	Decision *types.RoutingDecisionResponse `json:"decision"`
}

// NewRedisDecisionCache creates a redis-backed cache
func NewRedisDecisionCache(client redis.UniversalClient, prefix string, ttl time.Duration, clk clock.Clock, logger *logrus.Logger) *RedisDecisionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if prefix == "" {
		prefix = "task-router:decision:"
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RedisDecisionCache{client: client, prefix: prefix, ttl: ttl, clock: clk, logger: logger}
}

func (c *RedisDecisionCache) redisKey(key types.CacheKey) string {
	return fmt.Sprintf("%s%s:%s:%d:%s:%g:%g:%s:%s:%t", c.prefix,
		key.TaskType, key.UserTier, key.EstimatedTokens, key.Priority,
		key.MaxLatencyMs, key.MaxCostPer1K, key.PreferredProvider, key.PreferredModelType, key.RequiresLocal)
}

func (c *RedisDecisionCache) Get(ctx context.Context, key types.CacheKey) (*types.RoutingDecisionResponse, bool) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("Decision cache read failed")
		}
		return nil, false
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Decision == nil {
		c.logger.WithError(err).Warn("Discarding undecodable cached decision")
		return nil, false
	}
	if c.clock.Since(entry.StoredAt) >= c.ttl {
		return nil, false
	}
	return entry.Decision, true
}

func (c *RedisDecisionCache) Set(ctx context.Context, key types.CacheKey, resp *types.RoutingDecisionResponse) {
	raw, err := json.Marshal(redisEntry{StoredAt: c.clock.Now(), Decision: resp})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode decision for cache")
		return
	}
	if err := c.client.Set(ctx, c.redisKey(key), raw, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Decision cache write failed")
	}
}

func (c *RedisDecisionCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cached decision: %w", err)
		}
	}
	return iter.Err()
}
