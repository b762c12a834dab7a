package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheType selects the known-user cache driver.
type CacheType string

const (
	CacheTypeMemory CacheType = "memory"
	CacheTypeRedis  CacheType = "redis"
)

const (
	defaultTTL    = 24 * time.Hour
	userKeyPrefix = "chatflow:user:"
)

// CacheOption configures NewCache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	redisClient *redis.Client
	ttl         time.Duration
	now         func() time.Time
}

// WithRedisClient sets the client used by the redis driver.
func WithRedisClient(client *redis.Client) CacheOption {
	return func(c *cacheConfig) { c.redisClient = client }
}

// WithTTL sets how long a user stays known.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) { c.ttl = ttl }
}

// WithClock overrides the memory driver's clock.
func WithClock(now func() time.Time) CacheOption {
	return func(c *cacheConfig) { c.now = now }
}

// NewCache returns a known-user cache. The redis driver requires WithRedisClient.
func NewCache(cacheType CacheType, opts ...CacheOption) (Cache, error) {
	cfg := &cacheConfig{now: time.Now}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = defaultTTL
	}
	switch cacheType {
	case CacheTypeMemory, "":
		return &memoryCache{users: make(map[string]time.Time), ttl: cfg.ttl, now: cfg.now}, nil
	case CacheTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return &redisCache{client: cfg.redisClient, ttl: cfg.ttl}, nil
	default:
		return nil, ErrInvalidCacheType
	}
}

type memoryCache struct {
	mu    sync.RWMutex
	users map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

func (c *memoryCache) Known(_ context.Context, userID string) (bool, error) {
	c.mu.RLock()
	expires, ok := c.users[userID]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if c.now().After(expires) {
		c.mu.Lock()
		delete(c.users, userID)
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *memoryCache) Remember(_ context.Context, userID string) error {
	c.mu.Lock()
	c.users[userID] = c.now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (c *redisCache) key(userID string) string { return userKeyPrefix + userID }

// Known refreshes the TTL of users it finds.
func (c *redisCache) Known(ctx context.Context, userID string) (bool, error) {
	ok, err := c.client.Expire(ctx, c.key(userID), c.ttl).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *redisCache) Remember(ctx context.Context, userID string) error {
	return c.client.Set(ctx, c.key(userID), time.Now().UTC().Format(time.RFC3339), c.ttl).Err()
}
