package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-memory cache implementation using otter. Overwriting an
// entry restarts its TTL.
// The generic type T represents the token type being cached.
type Memory[T any] struct {
	cache *otter.Cache[string, T]
}

// NewMemory creates a new in-memory cache with the specified TTL and max size.
func NewMemory[T any](ttl time.Duration, maxSize int) (*Memory[T], error) {
	cache, err := otter.New(&otter.Options[string, T]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, T](ttl),
	})
	if err != nil {
		return nil, err
	}

	return &Memory[T]{cache: cache}, nil
}

func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		var zero T
		return zero, false, nil
	}

	return entry.Value, true, nil
}

func (m *Memory[T]) Set(_ context.Context, key string, token T) error {
	m.cache.Set(key, token)
	return nil
}

func (m *Memory[T]) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory[T]) Close() error {
	m.cache.InvalidateAll()
	return nil
}

// MemoryQuota is a fixed-window counter per key held in process memory. The
// window starts at the first use of a key.
type MemoryQuota struct {
	limit    int64
	counters *otter.Cache[string, *atomic.Int64]
}

// NewMemoryQuota allows limit uses of each key per window.
func NewMemoryQuota(limit int, window time.Duration, maxKeys int) (*MemoryQuota, error) {
	counters, err := otter.New(&otter.Options[string, *atomic.Int64]{
		MaximumSize:      maxKeys,
		ExpiryCalculator: otter.ExpiryCreating[string, *atomic.Int64](window),
	})
	if err != nil {
		return nil, err
	}

	return &MemoryQuota{
		limit:    int64(limit),
		counters: counters,
	}, nil
}

func (q *MemoryQuota) Allow(_ context.Context, key string) (bool, error) {
	counter, _ := q.counters.SetIfAbsent(quotaKey(key), new(atomic.Int64))
	return counter.Add(1) <= q.limit, nil
}
