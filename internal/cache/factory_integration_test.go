//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nuonuo-sdk/nuonuo-go/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationNewFromConfig_Valkey(t *testing.T) {
	ctx := context.Background()
	cfg := testhelpers.RunValkeyContainer(t)

	cache, quota, err := NewFromConfig[testToken](ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, cache)

	value := testToken{Value: "access-token"}
	require.NoError(t, cache.Set(ctx, "nuonuo_sandbox", value))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		retrieved, found, err := cache.Get(ctx, "nuonuo_sandbox")
		require.NoError(c, err)
		require.True(c, found)
		assert.Equal(c, value, retrieved)
	}, 2*time.Second, 50*time.Millisecond)

	for range cfg.Quota.Limit {
		allowed, err := quota.Allow(ctx, "nuonuo_sandbox")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := quota.Allow(ctx, "nuonuo_sandbox")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.NoError(t, cache.Close())
}

func TestIntegrationNewFromConfig_ValkeyWrongPassword(t *testing.T) {
	ctx := context.Background()
	cfg := testhelpers.RunValkeyContainer(t)
	cfg.Valkey.Password = "wrong"

	_, _, err := NewFromConfig[testToken](ctx, cfg)
	assert.Error(t, err)
}
