package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lastSeenPrefix = "fleet:host:last_seen:"
	statusPrefix   = "fleet:host:status:"
	opTimeout      = 2 * time.Second
)

// ErrMiss is returned when a key is absent or the cache is disabled.
var ErrMiss = errors.New("cache miss")

type Client interface {
	SetLastSeen(hostID string, at time.Time, ttl time.Duration) error
	GetLastSeen(hostID string) (time.Time, error)
	SetStatus(hostID string, status string) error
	GetStatus(hostID string) (string, error)
	IncrWithTTL(key string, window time.Duration) (int64, error)
	SubscribeExpired() (*redis.PubSub, error)
	Close() error
}

func LastSeenKey(hostID string) string { return lastSeenPrefix + hostID }

// HostFromLastSeenKey returns the host id encoded in a last-seen key.
func HostFromLastSeenKey(key string) (string, bool) {
	if len(key) <= len(lastSeenPrefix) || key[:len(lastSeenPrefix)] != lastSeenPrefix {
		return "", false
	}
	return key[len(lastSeenPrefix):], true
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisClient(redisURL string, db int) (*RedisCache, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if db > 0 {
		opts.DB = db
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) SetLastSeen(hostID string, at time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return c.rdb.Set(ctx, LastSeenKey(hostID), at.UnixMilli(), ttl).Err()
}

func (c *RedisCache) GetLastSeen(hostID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, LastSeenKey(hostID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrMiss
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last seen for %s: %w", hostID, err)
	}
	return time.UnixMilli(ms), nil
}

func (c *RedisCache) SetStatus(hostID string, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return c.rdb.Set(ctx, statusPrefix+hostID, status, 0).Err()
}

func (c *RedisCache) GetStatus(hostID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, statusPrefix+hostID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

// IncrWithTTL increments key and starts its expiry window on first use.
func (c *RedisCache) IncrWithTTL(key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) SubscribeExpired() (*redis.PubSub, error) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", c.rdb.Options().DB)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
