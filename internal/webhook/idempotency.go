package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore claims delivery keys. Claim returns false when the key
// was already used inside the TTL.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// memoryIdempotency keeps claims in a map with lazy TTL eviction.
type memoryIdempotency struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryIdempotency returns an in-process store.
func NewMemoryIdempotency(ttl time.Duration) IdempotencyStore {
	return &memoryIdempotency{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (m *memoryIdempotency) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, ts := range m.seen {
		if now.Sub(ts) > m.ttl {
			delete(m.seen, k)
		}
	}
	if _, dup := m.seen[key]; dup {
		return false, nil
	}
	m.seen[key] = now
	return true, nil
}

// redisIdempotency shares claims across processes via SET NX.
type redisIdempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisIdempotency returns a store backed by Redis.
func NewRedisIdempotency(rdb *redis.Client, ttl time.Duration) IdempotencyStore {
	return &redisIdempotency{rdb: rdb, ttl: ttl}
}

func (r *redisIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, "phantom:webhook:idem:"+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	return ok, nil
}
