package nutrition

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nutriscan:"

// RedisOptions locate a Redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisCache keeps analyses in Redis so several processes share them.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and checks it answers.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "could not reach redis at %s", opts.Addr)
	}
	return &RedisCache{client: client}, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (Info, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Info{}, false, nil
		}
		return Info{}, false, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, false, errors.Wrapf(err, "corrupt cache entry %s", key)
	}
	return info, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, info Info, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

func (c *RedisCache) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Clear implements Cache. Only keys written by this cache are removed.
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil || len(keys) == 0 {
		return err
	}
	return c.client.Del(ctx, keys...).Err()
}

// Stats implements Cache.
func (c *RedisCache) Stats(ctx context.Context) (CacheStats, error) {
	keys, err := c.keys(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, redisKeyPrefix))
	}
	sort.Strings(out)
	return CacheStats{Backend: "redis", Size: len(out), Keys: out}, nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
