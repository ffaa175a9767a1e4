// Package cache provides the shared cache used for monitor health reporting,
// signal dedup locks, and cross-process coordination.
package cache

import (
	"context"
	"fmt"
	"time"

	"trade_engine/internal/core"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements core.Cache on a redis client.
type RedisCache struct {
	client *redis.Client
	logger core.ILogger
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(addr, password string, db int, logger core.ILogger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logger.Info("Connected to redis", "addr", addr, "db", db)
	return &RedisCache{
		client: client,
		logger: logger.WithField("component", "redis_cache"),
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
