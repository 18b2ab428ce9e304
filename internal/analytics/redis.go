package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter increments bucketed counters with a retention TTL.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Add(ctx context.Context, incs []Increment, ttl time.Duration) error {
	if len(incs) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, in := range incs {
		pipe.IncrBy(ctx, in.Key, in.By)
		if ttl > 0 {
			pipe.Expire(ctx, in.Key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c *RedisCounter) Close() error { return c.client.Close() }
