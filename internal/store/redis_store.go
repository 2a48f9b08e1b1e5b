package store

import (
	"context"
	"strconv"
	"time"

	"validator-gateway/internal/client"
)

// RedisStore backs the CounterStore contract with the shared Redis client.
type RedisStore struct {
	client *client.RedisClient
}

func NewRedisStore(client *client.RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrementAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.client.IncrWithExpire(ctx, key, ttl)
}

func (s *RedisStore) Decrement(ctx context.Context, key string) (int64, error) {
	return s.client.DecrNotBelowZero(ctx, key)
}

func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) HashSet(ctx context.Context, mapKey, field, value string) error {
	return s.client.HSet(ctx, mapKey, field, value)
}

func (s *RedisStore) HashGetAll(ctx context.Context, mapKey string) (map[string]string, error) {
	return s.client.HGetAll(ctx, mapKey)
}

func (s *RedisStore) HashDelete(ctx context.Context, mapKey, field string) error {
	return s.client.HDel(ctx, mapKey, field)
}

func (s *RedisStore) ListPush(ctx context.Context, listKey, value string, maxLen int64, ttl time.Duration) error {
	return s.client.LPushBounded(ctx, listKey, value, maxLen, ttl)
}
