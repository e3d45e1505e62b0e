package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "relaycast:ratelimit:"

// redisWindowStore counts requests in fixed windows keyed in Redis.
type redisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

func newRedisWindowStore(client redis.UniversalClient, prefix string) *redisWindowStore {
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &redisWindowStore{client: client, prefix: prefix}
}

func (s *redisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	fullKey := s.prefix + key
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("increment rate counter: %w", err)
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire rate counter: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read rate counter ttl: %w", err)
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
