package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// Distributed implements TokenCache using Valkey with server-assisted
// client-side caching, so that several processes sharing an application key
// also share its tokens.
type Distributed[T any] struct {
	client valkey.Client
	ttl    time.Duration
	codec  codec[T]
}

// NewDistributed creates a Valkey-backed cache. A nil sealer stores tokens as
// plain JSON.
func NewDistributed[T any](client valkey.Client, ttl time.Duration, sealer Sealer) (*Distributed[T], error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	return &Distributed[T]{
		client: client,
		ttl:    ttl,
		codec:  newCodec[T](sealer),
	}, nil
}

// Get returns a missing key as not found rather than an error. An entry that
// cannot be decrypted is removed on a best-effort basis and reported as an
// error.
func (d *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := d.codec.storageKey(key)

	cmd := d.client.B().Get().Key(storageKey).Cache()
	result := d.client.DoCache(ctx, cmd, d.ttl)

	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return zero, false, fmt.Errorf("failed to convert cached value to string: %w", err)
	}

	token, err := d.codec.decode(key, val)
	if err != nil {
		_ = d.client.Do(ctx, d.client.B().Del().Key(storageKey).Build()).Error()
		return zero, false, err
	}

	return token, true, nil
}

func (d *Distributed[T]) Set(ctx context.Context, key string, token T) error {
	value, err := d.codec.encode(key, token)
	if err != nil {
		return err
	}

	cmd := d.client.B().Set().Key(d.codec.storageKey(key)).Value(value).ExSeconds(int64(d.ttl.Seconds())).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}
	return nil
}

func (d *Distributed[T]) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(d.codec.storageKey(key)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

// Close releases the sealer and the Valkey client.
func (d *Distributed[T]) Close() error {
	if err := d.codec.close(); err != nil {
		log.Warn().Err(err).Msg("error closing token sealer")
	}
	d.client.Close()
	return nil
}

// ValkeyQuota is a fixed-window counter per key shared through Valkey.
type ValkeyQuota struct {
	client valkey.Client
	limit  int64
	window time.Duration
}

// NewValkeyQuota allows limit uses of each key per window. The client is
// not closed by the quota.
func NewValkeyQuota(client valkey.Client, limit int, window time.Duration) *ValkeyQuota {
	return &ValkeyQuota{
		client: client,
		limit:  int64(limit),
		window: window,
	}
}

func (q *ValkeyQuota) Allow(ctx context.Context, key string) (bool, error) {
	k := quotaKey(key)

	results := q.client.DoMulti(ctx,
		q.client.B().Incr().Key(k).Build(),
		q.client.B().Expire().Key(k).Seconds(int64(q.window.Seconds())).Nx().Build(),
	)

	count, err := results[0].AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to count quota usage: %w", err)
	}
	if err := results[1].Error(); err != nil {
		return false, fmt.Errorf("failed to set quota window: %w", err)
	}

	return count <= q.limit, nil
}
