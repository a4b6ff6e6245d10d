package valuation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// Cache keeps the last good snapshot per entity for fallback valuation.
type Cache interface {
	Load(ctx context.Context, entity string) (schema.Snapshot, bool, error)
	Store(ctx context.Context, entity string, snapshot schema.Snapshot) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu        sync.RWMutex
	snapshots map[string]schema.Snapshot
}

// NewMemoryCache constructs an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snapshots: make(map[string]schema.Snapshot)}
}

// Load returns the cached snapshot for entity.
func (c *MemoryCache) Load(_ context.Context, entity string) (schema.Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[entity]
	return snap, ok, nil
}

// Store replaces the cached snapshot for entity.
func (c *MemoryCache) Store(_ context.Context, entity string, snapshot schema.Snapshot) error {
	c.mu.Lock()
	c.snapshots[entity] = snapshot
	c.mu.Unlock()
	return nil
}

// RedisCache shares the last good snapshot across engine instances.
type RedisCache struct {
	client     redis.UniversalClient
	prefix     string
	expiration time.Duration
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)

// NewRedisCache constructs a cache over client. A zero expiration keeps snapshots until overwritten.
func NewRedisCache(client redis.UniversalClient, prefix string, expiration time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "execguard:valuation"
	}
	return &RedisCache{client: client, prefix: prefix, expiration: expiration}
}

func (c *RedisCache) key(entity string) string {
	return fmt.Sprintf("%s:%s:snapshot", c.prefix, entity)
}

// Load returns the cached snapshot for entity.
func (c *RedisCache) Load(ctx context.Context, entity string) (schema.Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key(entity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return schema.Snapshot{}, false, nil
		}
		return schema.Snapshot{}, false, fmt.Errorf("valuation cache: get snapshot: %w", err)
	}
	var snap schema.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return schema.Snapshot{}, false, fmt.Errorf("valuation cache: decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Store replaces the cached snapshot for entity.
func (c *RedisCache) Store(ctx context.Context, entity string, snapshot schema.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("valuation cache: encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entity), data, c.expiration).Err(); err != nil {
		return fmt.Errorf("valuation cache: set snapshot: %w", err)
	}
	return nil
}
