package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "filterstream:seen:"

// DefaultSize bounds the in-process cache when no size is given
const DefaultSize = 100000

// Cache remembers which post ids were already delivered so posts replayed
// after a reconnect are dropped
type Cache interface {
	// SeenBefore marks id as seen for ttl and reports whether it already was
	SeenBefore(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Forget clears the mark so a later replay of id is delivered again
	Forget(ctx context.Context, id string) error
	Close() error
}

// memory evicts the least recently marked id once full. Expired ids are
// dropped lazily when looked up.
type memory struct {
	mu  sync.Mutex
	lru *lru.Cache[string, time.Time]
	now func() time.Time
}

// New returns an in-process cache holding at most maxSize ids; 0 means
// DefaultSize
func New(maxSize int) Cache {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	l, _ := lru.New[string, time.Time](maxSize) // only fails on size <= 0
	return &memory{lru: l, now: time.Now}
}

func (c *memory) SeenBefore(_ context.Context, id string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.lru.Peek(id); ok && (exp.IsZero() || now.Before(exp)) {
		return true, nil
	}

	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	c.lru.Add(id, exp)
	return false, nil
}

func (c *memory) Forget(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
	return nil
}

func (c *memory) Close() error { return nil }

// Redis adapter, shared across processes
type redisCache struct{ r redis.UniversalClient }

// NewRedis wraps an existing client
func NewRedis(r redis.UniversalClient) Cache {
	return &redisCache{r: r}
}

// NewAuto picks Redis when REDIS_ADDR is set, memory otherwise
func NewAuto() Cache {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return &redisCache{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return New(DefaultSize)
}

func (r *redisCache) SeenBefore(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	set, err := r.r.SetNX(ctx, keyPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s as seen: %w", id, err)
	}
	return !set, nil
}

func (r *redisCache) Forget(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := r.r.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to forget %s: %w", id, err)
	}
	return nil
}

func (r *redisCache) Close() error { return r.r.Close() }
