package cache

import (
	"encoding/json"
	"fmt"
)

// codec turns tokens into store values. With a sealer, values are sealed
// and live under sealedNamespace; without one they are plain JSON.
type codec[T any] struct {
	sealer Sealer
}

func newCodec[T any](sealer Sealer) codec[T] {
	return codec[T]{sealer: sealer}
}

func (c codec[T]) storageKey(key string) string {
	if c.sealer == nil {
		return key
	}
	return sealedNamespace + key
}

func (c codec[T]) encode(key string, token T) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}

	if c.sealer == nil {
		return string(data), nil
	}
	return c.sealer.Seal(key, data)
}

func (c codec[T]) decode(key string, value string) (T, error) {
	var token T

	data := []byte(value)
	if c.sealer != nil {
		opened, err := c.sealer.Open(key, value)
		if err != nil {
			return token, fmt.Errorf("opening cached token %q: %w", key, err)
		}
		data = opened
	}

	if err := json.Unmarshal(data, &token); err != nil {
		return token, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}

	return token, nil
}

func (c codec[T]) close() error {
	if c.sealer == nil {
		return nil
	}
	return c.sealer.Close()
}
