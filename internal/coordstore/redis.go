package coordstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store over a go-redis v8 client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr/db and pings it before returning.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("coordination store connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) LPop(ctx context.Context, queue string) (string, bool, error) {
	v, err := s.client.LPop(ctx, queue).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) RPush(ctx context.Context, queue, value string) error {
	return s.client.RPush(ctx, queue, value).Err()
}

func (s *RedisStore) ZAdd(ctx context.Context, set, member string, score float64) error {
	return s.client.ZAdd(ctx, set, &redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, set, member string) error {
	return s.client.ZRem(ctx, set, member).Err()
}

func (s *RedisStore) ZRange(ctx context.Context, set string) ([]string, error) {
	return s.client.ZRange(ctx, set, 0, -1).Result()
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.client.Keys(ctx, pattern).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
