package cache

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned when a key has used up its grant quota for
// the current window.
var ErrQuotaExceeded = errors.New("cache: grant quota exceeded")

// TokenCache defines the interface for token caching implementations.
// The generic type T represents the token type being cached.
type TokenCache[T any] interface {
	// Get retrieves a token from the cache.
	// Returns the token, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a token in the cache, replacing any existing entry.
	Set(ctx context.Context, key string, token T) error

	// Invalidate removes a token from the cache.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

// Quota counts uses of a key inside a fixed window.
type Quota interface {
	// Allow records one use of key and reports whether it is still inside
	// the limit.
	Allow(ctx context.Context, key string) (bool, error)
}

// Unlimited is a Quota that allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) {
	return true, nil
}

func quotaKey(key string) string {
	return "quota:" + key
}
