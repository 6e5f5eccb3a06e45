package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"gudangku/backend/internal/domain"
)

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisTrendCache struct {
	client *redis.Client
}

func NewRedisTrendCache(client *redis.Client) *RedisTrendCache {
	return &RedisTrendCache{client: client}
}

func (c *RedisTrendCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTrendCache) Generation(ctx context.Context, shopID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(shopID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisTrendCache) Get(ctx context.Context, key string) (*domain.TrendReport, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.TrendReport
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisTrendCache) Set(ctx context.Context, key string, value *domain.TrendReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisTrendCache) Invalidate(ctx context.Context, shopID string) error {
	if err := c.client.Incr(ctx, generationKey(shopID)).Err(); err != nil {
		return err
	}
	iter := c.client.Scan(ctx, 0, trendPrefix(shopID)+"*", 100).Iterator()
	keys := make([]string, 0, 16)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
