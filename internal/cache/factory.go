package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/chinmina/iamcacheauth"
	"github.com/go-redis/redis/v8"
	"github.com/nuonuo-sdk/nuonuo-go/config"
	"github.com/nuonuo-sdk/nuonuo-go/internal/cache/encryption"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// NewFromConfig creates the token cache and grant quota described by the
// configuration. Both share one connection for the distributed stores; the
// connection is released by closing the returned cache.
func NewFromConfig[T any](ctx context.Context, cfg config.CacheConfig) (TokenCache[T], Quota, error) {
	switch cfg.Store {
	case config.StoreValkey:
		return newValkey[T](ctx, cfg)
	case config.StoreRedis:
		return newRedis[T](ctx, cfg)
	case config.StoreMemory, "":
		return newMemory[T](cfg)
	default:
		return nil, nil, fmt.Errorf("invalid cache store %q: must be one of %q, %q or %q", cfg.Store, config.StoreMemory, config.StoreRedis, config.StoreValkey)
	}
}

func newMemory[T any](cfg config.CacheConfig) (TokenCache[T], Quota, error) {
	log.Info().
		Str("cache_type", config.StoreMemory).
		Dur("ttl", cfg.TTL).
		Msg("initializing in-memory token cache")

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10_000
	}

	memory, err := NewMemory[T](cfg.TTL, maxSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	var quota Quota = Unlimited{}
	if cfg.Quota.Limit > 0 {
		quota, err = NewMemoryQuota(cfg.Quota.Limit, cfg.Quota.Window, maxSize)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create memory quota: %w", err)
		}
	}

	return NewInstrumented(memory, config.StoreMemory), NewInstrumentedQuota(quota, config.StoreMemory), nil
}

func newValkey[T any](ctx context.Context, cfg config.CacheConfig) (TokenCache[T], Quota, error) {
	log.Info().
		Str("cache_type", config.StoreValkey).
		Str("address", cfg.Valkey.Address).
		Bool("tls", cfg.Valkey.TLS).
		Bool("iam_enabled", cfg.Valkey.IAMEnabled).
		Msg("initializing distributed token cache")

	if cfg.Valkey.Address == "" {
		return nil, nil, fmt.Errorf("valkey address is required when cache store is valkey")
	}

	credentials, lifetime, err := valkeyAuth(ctx, cfg.Valkey, loadAWSConfig)
	if err != nil {
		return nil, nil, err
	}

	opts := valkey.ClientOption{
		InitAddress:       []string{cfg.Valkey.Address},
		AuthCredentialsFn: credentials,
		ConnLifetime:      lifetime,
	}

	if cfg.Valkey.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	sealer, err := newSealer(ctx, cfg.Encryption)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	distributed, err := NewDistributed[T](client, cfg.TTL, sealer)
	if err != nil {
		closeSealer(sealer)
		client.Close()
		return nil, nil, fmt.Errorf("failed to create distributed cache: %w", err)
	}

	var quota Quota = Unlimited{}
	if cfg.Quota.Limit > 0 {
		quota = NewValkeyQuota(client, cfg.Quota.Limit, cfg.Quota.Window)
	}

	return NewInstrumented(distributed, config.StoreValkey), NewInstrumentedQuota(quota, config.StoreValkey), nil
}

func newRedis[T any](ctx context.Context, cfg config.CacheConfig) (TokenCache[T], Quota, error) {
	log.Info().
		Str("cache_type", config.StoreRedis).
		Str("address", cfg.Redis.Address).
		Int("db", cfg.Redis.DB).
		Msg("initializing distributed token cache")

	if cfg.Redis.Address == "" {
		return nil, nil, fmt.Errorf("redis address is required when cache store is redis")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	sealer, err := newSealer(ctx, cfg.Encryption)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	store, err := NewRedis[T](client, cfg.TTL, sealer)
	if err != nil {
		closeSealer(sealer)
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	var quota Quota = Unlimited{}
	if cfg.Quota.Limit > 0 {
		quota = NewRedisQuota(client, cfg.Quota.Limit, cfg.Quota.Window)
	}

	return NewInstrumented(store, config.StoreRedis), NewInstrumentedQuota(quota, config.StoreRedis), nil
}

// newSealer returns nil when encryption is disabled. ctx bounds the first
// keyset load; rotation continues until the cache is closed.
func newSealer(ctx context.Context, cfg config.CacheEncryptionConfig) (Sealer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		aead *encryption.RefreshableAEAD
		err  error
	)
	if cfg.KeysetFile != "" {
		aead, err = encryption.NewRefreshableAEADFromFile(ctx, cfg.KeysetFile)
	} else {
		aead, err = encryption.NewRefreshableAEAD(ctx, cfg.KeysetURI, cfg.KMSEnvelopeKeyURI)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	log.Info().Msg("cached tokens sealed with a rotating keyset")

	return NewAEADSealer(aead), nil
}

func closeSealer(s Sealer) {
	if s != nil {
		_ = s.Close()
	}
}

type credentialsFn = func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error)

// iamConnLifetime stays under the 12h limit ElastiCache places on IAM
// authenticated connections.
const iamConnLifetime = 11 * time.Hour

var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// valkeyAuth decides how each new Valkey connection authenticates, and for
// how long a connection may live. With IAM enabled every connection signs a
// fresh ElastiCache token; otherwise the configured user and password are
// sent and connections live as long as the client allows.
func valkeyAuth(ctx context.Context, cfg config.ValkeyConfig, loadAWS func(context.Context) (aws.Config, error)) (credentialsFn, time.Duration, error) {
	if !cfg.IAMEnabled {
		fixed := valkey.AuthCredentials{Username: cfg.Username, Password: cfg.Password}
		return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
			return fixed, nil
		}, 0, nil
	}

	awsCfg, err := loadAWS(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("loading AWS config for IAM auth: %w", err)
	}

	var opts []iamcacheauth.Option
	if cfg.IAMServerless {
		opts = append(opts, iamcacheauth.WithServerless())
	}

	signer, err := iamcacheauth.NewElastiCache(cfg.Username, cfg.IAMCacheName, awsCfg, opts...)
	if err != nil {
		return nil, 0, fmt.Errorf("configuring IAM credentials: %w", err)
	}

	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		// the callback carries no context; signing is local
		password, err := signer.Token(context.Background())
		if err != nil {
			return valkey.AuthCredentials{}, fmt.Errorf("signing IAM token for %s: %w", cfg.IAMCacheName, err)
		}
		return valkey.AuthCredentials{Username: cfg.Username, Password: password}, nil
	}, iamConnLifetime, nil
}
