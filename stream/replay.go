package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

// ReplayCache stores published events for late-joining consumers.
// Entries expire after the configured TTL; storage is best-effort and
// a failed append must never fail the publish.
type ReplayCache interface {
	Append(ctx context.Context, executionID string, event types.StreamEvent) error
	Events(ctx context.Context, executionID string) ([]types.StreamEvent, error)
	Drop(ctx context.Context, executionID string) error
}

// =============================================================================
// In-memory replay cache
// =============================================================================

// MemoryReplayCache keeps events in process memory with TTL expiry.
// It is the default when no Redis address is configured.
type MemoryReplayCache struct {
	ttl     time.Duration
	entries map[string]*memoryEntry
	mu      sync.Mutex
}

type memoryEntry struct {
	events    []types.StreamEvent
	expiresAt time.Time
}

// NewMemoryReplayCache creates an in-memory cache. A zero ttl means
// entries never expire until dropped.
func NewMemoryReplayCache(ttl time.Duration) *MemoryReplayCache {
	return &MemoryReplayCache{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
	}
}

// Append implements ReplayCache.
func (c *MemoryReplayCache) Append(_ context.Context, executionID string, event types.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()

	entry, ok := c.entries[executionID]
	if !ok {
		entry = &memoryEntry{}
		c.entries[executionID] = entry
	}
	entry.events = append(entry.events, event)
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	return nil
}

// Events implements ReplayCache, returning events in sequence order.
func (c *MemoryReplayCache) Events(_ context.Context, executionID string) ([]types.StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[executionID]
	if !ok || (c.ttl > 0 && time.Now().After(entry.expiresAt)) {
		return nil, nil
	}
	out := make([]types.StreamEvent, len(entry.events))
	copy(out, entry.events)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Drop implements ReplayCache.
func (c *MemoryReplayCache) Drop(_ context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, executionID)
	return nil
}

func (c *MemoryReplayCache) evictExpiredLocked() {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}

// =============================================================================
// Redis replay cache
// =============================================================================

// RedisReplayCache persists events as a Redis list per execution with
// a TTL, so replay survives process restarts and can be shared across
// instances.
type RedisReplayCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// RedisConfig configures the Redis-backed replay cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	PoolSize int           `yaml:"pool_size" json:"pool_size"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultRedisConfig returns the default Redis cache configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		PoolSize: 10,
		TTL:      10 * time.Minute,
	}
}

// NewRedisReplayCache connects to Redis and verifies the connection.
func NewRedisReplayCache(config RedisConfig, logger *zap.Logger) (*RedisReplayCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisReplayCache{
		client: client,
		ttl:    config.TTL,
		logger: logger.With(zap.String("component", "replay_cache")),
	}, nil
}

func (c *RedisReplayCache) key(executionID string) string {
	return "swarmflow:events:" + executionID
}

// Append implements ReplayCache.
func (c *RedisReplayCache) Append(ctx context.Context, executionID string, event types.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := c.key(executionID)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("replay append failed",
			zap.String("execution_id", executionID), zap.Error(err))
		return fmt.Errorf("replay append: %w", err)
	}
	return nil
}

// Events implements ReplayCache, returning events in sequence order.
func (c *RedisReplayCache) Events(ctx context.Context, executionID string) ([]types.StreamEvent, error) {
	raw, err := c.client.LRange(ctx, c.key(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("replay fetch: %w", err)
	}

	events := make([]types.StreamEvent, 0, len(raw))
	for _, item := range raw {
		var ev types.StreamEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			c.logger.Warn("skipping malformed cached event",
				zap.String("execution_id", executionID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}

// Drop implements ReplayCache.
func (c *RedisReplayCache) Drop(ctx context.Context, executionID string) error {
	return c.client.Del(ctx, c.key(executionID)).Err()
}

// Ping verifies the Redis connection, for readiness probes.
func (c *RedisReplayCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (c *RedisReplayCache) Close() error {
	return c.client.Close()
}
