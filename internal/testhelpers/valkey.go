//go:build integration

package testhelpers

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/nuonuo-sdk/nuonuo-go/config"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RunValkeyContainer starts a Valkey container and returns a cache
// configuration pointing at it, with encryption enabled from a cleartext
// keyset. The container is terminated when the test ends.
func RunValkeyContainer(t *testing.T) config.CacheConfig {
	t.Helper()
	ctx := context.Background()

	valkeyPort := "6379"
	valkeyProtocolPort := valkeyPort + "/tcp"

	password := rand.Text()

	req := testcontainers.ContainerRequest{
		Image: "valkey/valkey:9-alpine",
		Env: map[string]string{
			"VALKEY_EXTRA_FLAGS": "--requirepass " + password,
		},
		ExposedPorts: []string{valkeyProtocolPort},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort(nat.Port(valkeyProtocolPort)),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Logger:           log.TestLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	port, err := container.MappedPort(ctx, nat.Port(valkeyPort))
	require.NoError(t, err)

	// 127.0.0.1 avoids IPv6 resolution of localhost
	endpoint := "127.0.0.1:" + port.Port()

	return config.CacheConfig{
		Store:   config.StoreValkey,
		Prefix:  "nuonuo_",
		TTL:     defaultTestTTL,
		MaxSize: 100,
		Quota:   config.QuotaConfig{Limit: 3, Window: defaultTestTTL},
		Valkey: config.ValkeyConfig{
			TLS:      false,
			Address:  endpoint,
			Username: "default",
			Password: password,
		},
		Encryption: config.CacheEncryptionConfig{
			Enabled:    true,
			KeysetFile: WriteTestKeyset(t),
		},
	}
}

const defaultTestTTL = 10 * time.Minute
