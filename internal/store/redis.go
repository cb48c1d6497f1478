package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

func newRedisStore(cfg Config) *redisStore {
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		opTimeout: timeout,
	}
}

// newRedisStoreFromClient exists for tests that inject a mock client.
func newRedisStoreFromClient(client *redis.Client, opTimeout time.Duration) *redisStore {
	return &redisStore{client: client, opTimeout: opTimeout}
}

func (s *redisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func wrapRedisErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrapRedisErr("get", err)
	}
	return val, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapRedisErr("set", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return wrapRedisErr("del", err)
	}
	return nil
}

func (s *redisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapRedisErr("incr", err)
	}
	// First write of the window owns the expiry.
	if count == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, wrapRedisErr("expire", err)
		}
	}
	return count, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapRedisErr("expire", err)
	}
	return nil
}

func (s *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrapRedisErr("zadd", err)
	}
	return nil
}

func (s *redisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	lo := strconv.FormatFloat(min, 'f', -1, 64)
	hi := strconv.FormatFloat(max, 'f', -1, 64)
	if err := s.client.ZRemRangeByScore(ctx, key, lo, hi).Err(); err != nil {
		return wrapRedisErr("zremrangebyscore", err)
	}
	return nil
}

func (s *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapRedisErr("zcard", err)
	}
	return n, nil
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr("hgetall", err)
	}
	return fields, nil
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Flatten to name/value pairs in sorted name order.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	args := make([]interface{}, 0, 2*len(fields))
	for _, name := range names {
		args = append(args, name, fields[name])
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return wrapRedisErr("hset", err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return wrapRedisErr("expire", err)
		}
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapRedisErr("ping", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
