package tileindex

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultCacheKey = "hoogte:tileindex"

// RedisCache keeps the tile id to remote path index in a Redis hash.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisCache stores the index under key. A ttl of 0 keeps it forever.
func NewRedisCache(client *redis.Client, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = DefaultCacheKey
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

func OpenRedis(addr, pass string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass})
}

// Load returns the cached index, empty when there is none.
func (c *RedisCache) Load(ctx context.Context) (map[string]string, error) {
	return c.client.HGetAll(ctx, c.key).Result()
}

// Store replaces the cached index.
func (c *RedisCache) Store(ctx context.Context, paths map[string]string) error {
	if len(paths) == 0 {
		return c.client.Del(ctx, c.key).Err()
	}
	values := make([]interface{}, 0, 2*len(paths))
	for id, remote := range paths {
		values = append(values, id, remote)
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key)
		pipe.HSet(ctx, c.key, values...)
		if c.ttl > 0 {
			pipe.Expire(ctx, c.key, c.ttl)
		}
		return nil
	})
	return err
}
