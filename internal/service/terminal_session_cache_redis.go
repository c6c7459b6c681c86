package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisTerminalSessionCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTerminalSessionCache(client redis.UniversalClient, prefix string) *RedisTerminalSessionCache {
	if prefix == "" {
		prefix = "pairing"
	}
	return &RedisTerminalSessionCache{client: client, prefix: prefix}
}

func (c *RedisTerminalSessionCache) Seen(ctx context.Context, deviceCode string) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	_, err := c.client.Get(ctx, c.key(deviceCode)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisTerminalSessionCache) Remember(ctx context.Context, deviceCode string, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key(deviceCode), "1", ttl).Err()
}

func (c *RedisTerminalSessionCache) key(deviceCode string) string {
	return fmt.Sprintf("%s:terminal:%s", c.prefix, hashCode(deviceCode))
}
