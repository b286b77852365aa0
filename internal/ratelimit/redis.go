package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisSlotStore implements SlotStore over redis_rate's GCRA limiter, so
// every worker process sharing the Redis instance shares one window per
// key.
type RedisSlotStore struct {
	limiter *redis_rate.Limiter
}

// NewRedisSlotStore creates a store backed by the given Redis client.
func NewRedisSlotStore(client *redis.Client) *RedisSlotStore {
	return &RedisSlotStore{limiter: redis_rate.NewLimiter(client)}
}

func (s *RedisSlotStore) Allow(ctx context.Context, key string, maxCalls int, window time.Duration) (bool, time.Duration, error) {
	res, err := s.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   maxCalls,
		Burst:  maxCalls,
		Period: window,
	})
	if err != nil {
		return false, 0, err
	}
	if res.Allowed > 0 {
		return true, 0, nil
	}
	return false, res.RetryAfter, nil
}

// RedisBackoffStore keeps provider backoff windows as expiring Redis
// keys, visible to every worker.
type RedisBackoffStore struct {
	client *redis.Client
}

func NewRedisBackoffStore(client *redis.Client) *RedisBackoffStore {
	return &RedisBackoffStore{client: client}
}

func (s *RedisBackoffStore) SetBackoff(ctx context.Context, key string, d time.Duration) error {
	return s.client.Set(ctx, "backoff:"+key, "1", d).Err()
}

func (s *RedisBackoffStore) BackoffRemaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, "backoff:"+key).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}
