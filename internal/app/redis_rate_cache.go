package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisRateCache keeps the last fetched exchange rate in Redis so that replicas share it.
type RedisRateCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisRateCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRateCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "affiliate:subscriptions"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &RedisRateCache{
		client: client,
		key:    fmt.Sprintf("%s:price:sui_usd", trimmedPrefix),
		ttl:    ttl,
	}
}

func (c *RedisRateCache) GetRate(ctx context.Context) (decimal.Decimal, bool, error) {
	if c == nil || c.client == nil {
		return decimal.Zero, false, nil
	}

	raw, err := c.client.Get(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("cached rate %q is not a decimal: %w", raw, err)
	}
	return rate, true, nil
}

func (c *RedisRateCache) SetRate(ctx context.Context, rate decimal.Decimal) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.key, rate.String(), c.ttl).Err()
}
