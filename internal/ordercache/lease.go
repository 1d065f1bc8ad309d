package ordercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseStore hands out per-order attempt tokens. Acquire always succeeds and
// invalidates any token held by an earlier attempt, so a stale retry that
// overlaps a newer one fails its writes instead of clobbering them.
type LeaseStore interface {
	// Acquire takes the lease for the order, displacing any current holder.
	Acquire(ctx context.Context, orderID string) (string, error)
	// Validate reports whether token is still the current lease holder.
	Validate(ctx context.Context, orderID, token string) (bool, error)
	// Release drops the lease if token still holds it.
	Release(ctx context.Context, orderID, token string) error
}

const leaseKeyPrefix = "lease:"

// RedisLeaseStore keeps lease tokens in Redis with a bounded TTL.
type RedisLeaseStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLeaseStore creates a lease store with the given token TTL.
func NewRedisLeaseStore(client *redis.Client, ttl time.Duration) *RedisLeaseStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLeaseStore{client: client, ttl: ttl}
}

func (l *RedisLeaseStore) Acquire(ctx context.Context, orderID string) (string, error) {
	token := uuid.New().String()
	if err := l.client.Set(ctx, leaseKeyPrefix+orderID, token, l.ttl).Err(); err != nil {
		return "", fmt.Errorf("acquiring lease for %s: %w", orderID, err)
	}
	return token, nil
}

func (l *RedisLeaseStore) Validate(ctx context.Context, orderID, token string) (bool, error) {
	current, err := l.client.Get(ctx, leaseKeyPrefix+orderID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading lease for %s: %w", orderID, err)
	}
	return current == token, nil
}

func (l *RedisLeaseStore) Release(ctx context.Context, orderID, token string) error {
	// compare-then-delete; a lost race here just leaves the key to expire
	current, err := l.client.Get(ctx, leaseKeyPrefix+orderID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lease for %s: %w", orderID, err)
	}
	if current != token {
		return nil
	}
	return l.client.Del(ctx, leaseKeyPrefix+orderID).Err()
}

// MemoryLeaseStore is the in-process LeaseStore used by tests.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]string
}

// NewMemoryLeaseStore creates an empty MemoryLeaseStore.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]string)}
}

func (l *MemoryLeaseStore) Acquire(ctx context.Context, orderID string) (string, error) {
	token := uuid.New().String()
	l.mu.Lock()
	l.leases[orderID] = token
	l.mu.Unlock()
	return token, nil
}

func (l *MemoryLeaseStore) Validate(ctx context.Context, orderID, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leases[orderID] == token, nil
}

func (l *MemoryLeaseStore) Release(ctx context.Context, orderID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leases[orderID] == token {
		delete(l.leases, orderID)
	}
	return nil
}
