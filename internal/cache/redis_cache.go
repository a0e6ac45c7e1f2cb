package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dukaan/backend/internal/domain"
)

const lotKeyPrefix = "lots:"

type RedisLotCache struct {
	client *redis.Client
}

func NewRedisLotCache(client *redis.Client) *RedisLotCache {
	return &RedisLotCache{client: client}
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *RedisLotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLotCache) Get(ctx context.Context, productID string) ([]domain.Lot, bool, error) {
	val, err := c.client.Get(ctx, lotKeyPrefix+productID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var lots []domain.Lot
	if err := json.Unmarshal([]byte(val), &lots); err != nil {
		return nil, false, err
	}
	return lots, true, nil
}

func (c *RedisLotCache) Set(ctx context.Context, productID string, lots []domain.Lot, ttl time.Duration) error {
	if lots == nil {
		lots = []domain.Lot{}
	}
	payload, err := json.Marshal(lots)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, lotKeyPrefix+productID, payload, ttl).Err()
}

func (c *RedisLotCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, lotKeyPrefix+productID).Err()
}
