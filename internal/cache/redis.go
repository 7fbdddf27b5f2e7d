package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Redis implements TokenCache on a Redis server.
type Redis[T any] struct {
	client redis.UniversalClient
	ttl    time.Duration
	codec  codec[T]
}

// NewRedis creates a Redis-backed cache. A nil sealer stores tokens as
// plain JSON.
func NewRedis[T any](client redis.UniversalClient, ttl time.Duration, sealer Sealer) (*Redis[T], error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	return &Redis[T]{
		client: client,
		ttl:    ttl,
		codec:  newCodec[T](sealer),
	}, nil
}

func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := r.codec.storageKey(key)

	val, err := r.client.Get(ctx, storageKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	token, err := r.codec.decode(key, val)
	if err != nil {
		_ = r.client.Del(ctx, storageKey).Err()
		return zero, false, err
	}

	return token, true, nil
}

func (r *Redis[T]) Set(ctx context.Context, key string, token T) error {
	value, err := r.codec.encode(key, token)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.codec.storageKey(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}
	return nil
}

func (r *Redis[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.codec.storageKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

func (r *Redis[T]) Close() error {
	if err := r.codec.close(); err != nil {
		log.Warn().Err(err).Msg("error closing token sealer")
	}
	return r.client.Close()
}

// RedisQuota is a fixed-window counter per key shared through Redis.
type RedisQuota struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
}

// NewRedisQuota allows limit uses of each key per window. The client is not
// closed by the quota.
func NewRedisQuota(client redis.UniversalClient, limit int, window time.Duration) *RedisQuota {
	return &RedisQuota{
		client: client,
		limit:  int64(limit),
		window: window,
	}
}

// allowScript counts a use and makes sure the counter carries a TTL. The
// TTL is checked on every call, so a counter left without one is repaired
// by the next use rather than locking the key out.
var allowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

func (q *RedisQuota) Allow(ctx context.Context, key string) (bool, error) {
	count, err := allowScript.Run(ctx, q.client, []string{quotaKey(key)}, q.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to count quota usage: %w", err)
	}

	return count <= q.limit, nil
}
