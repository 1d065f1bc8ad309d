// Package ordercache mirrors in-flight orders in Redis so the hot read path
// avoids a database round trip. The durable store stays authoritative: a
// stale or absent cache entry costs latency, never correctness. Entries
// carry a bounded TTL so stale in-flight orders self-clean even when a
// terminal transition is missed.
package ordercache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dexroute/swapd/pkg/models"
)

// Cache is the active-order cache. Get returns (nil, nil) on a miss.
type Cache interface {
	Set(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, orderID string) (*models.Order, error)
	Delete(ctx context.Context, orderID string) error
}

const activeKeyPrefix = "active:"

// RedisCache stores order snapshots as JSON under active:<id> keys.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache with the given entry TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Set(ctx context.Context, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshaling order %s: %w", order.OrderID, err)
	}
	if err := c.client.Set(ctx, activeKeyPrefix+order.OrderID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching order %s: %w", order.OrderID, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, orderID string) (*models.Order, error) {
	data, err := c.client.Get(ctx, activeKeyPrefix+orderID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached order %s: %w", orderID, err)
	}
	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("unmarshaling cached order %s: %w", orderID, err)
	}
	return &order, nil
}

func (c *RedisCache) Delete(ctx context.Context, orderID string) error {
	if err := c.client.Del(ctx, activeKeyPrefix+orderID).Err(); err != nil {
		return fmt.Errorf("evicting order %s: %w", orderID, err)
	}
	return nil
}

// MemoryCache is an in-process Cache used by tests and single-node setups.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	order     models.Order
	expiresAt time.Time
}

// NewMemoryCache creates a MemoryCache with the given entry TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Set(ctx context.Context, order *models.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[order.OrderID] = memoryEntry{order: *order, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, orderID string) (*models.Order, error) {
	c.mu.RLock()
	entry, ok := c.entries[orderID]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	order := entry.order
	return &order, nil
}

func (c *MemoryCache) Delete(ctx context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orderID)
	return nil
}
