package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreValkey = "valkey"
)

// Config is the client configuration. It is treated as immutable once the
// client has been constructed.
type Config struct {
	AppKey       string `env:"NUONUO_APP_KEY, required" yaml:"appKey"`
	AppSecret    string `env:"NUONUO_APP_SECRET, required" yaml:"appSecret"`
	APIURL       string `env:"NUONUO_API_URL, default=https://sandbox.nuonuocs.cn/open/v1/services" yaml:"apiUrl"`
	AuthTokenURL string `env:"NUONUO_AUTH_TOKEN_URL, default=https://open.nuonuo.com/accessToken" yaml:"authTokenUrl"`

	// UserTax is the tax number used when a call does not name one.
	UserTax string `env:"NUONUO_USER_TAX, required" yaml:"userTax"`

	// ISV selects the service-provider (authorization code) grant instead of
	// the merchant client-credentials grant.
	ISV         bool   `env:"NUONUO_ISV, default=false" yaml:"isv"`
	RedirectURI string `env:"NUONUO_REDIRECT_URI" yaml:"redirectUri"`

	// OKCode is the business response code that denotes success.
	OKCode string `env:"NUONUO_OK_CODE, default=E0000" yaml:"okCode"`

	AccessTokenCache CacheConfig `yaml:"accessTokenCache"`

	Observe ObserveConfig `yaml:"observe"`
}

// ObserveConfig controls OpenTelemetry tracing and metrics. The client only
// reads the HTTP settings; installing the exporters is left to the program.
type ObserveConfig struct {
	SDKLogLevel                string `env:"NUONUO_OBSERVE_OTEL_LOG_LEVEL, default=info" yaml:"sdkLogLevel"`
	Enabled                    bool   `env:"NUONUO_OBSERVE_ENABLED, default=false" yaml:"enabled"`
	MetricsEnabled             bool   `env:"NUONUO_OBSERVE_METRICS_ENABLED, default=true" yaml:"metricsEnabled"`
	Type                       string `env:"NUONUO_OBSERVE_TYPE, default=grpc" yaml:"type"`
	ServiceName                string `env:"NUONUO_OBSERVE_SERVICE_NAME, default=nuonuo-go" yaml:"serviceName"`
	TraceBatchTimeoutSeconds   int    `env:"NUONUO_OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20" yaml:"traceBatchTimeoutSeconds"`
	MetricReadIntervalSeconds  int    `env:"NUONUO_OBSERVE_METRIC_READ_INTERVAL_SECS, default=60" yaml:"metricReadIntervalSeconds"`
	HTTPTransportEnabled       bool   `env:"NUONUO_OBSERVE_HTTP_TRANSPORT_ENABLED, default=true" yaml:"httpTransportEnabled"`
	HTTPConnectionTraceEnabled bool   `env:"NUONUO_OBSERVE_CONNECTION_TRACE_ENABLED, default=true" yaml:"httpConnectionTraceEnabled"`
}

// CacheConfig specifies how access tokens are cached.
type CacheConfig struct {
	// Store selects the cache implementation: "memory" (default), "redis" or
	// "valkey".
	Store string `env:"NUONUO_CACHE_STORE, default=memory" yaml:"store"`

	// Prefix is prepended to every cache key.
	Prefix string `env:"NUONUO_CACHE_PREFIX, default=nuonuo_" yaml:"prefix"`

	// TTL is how long a granted token stays in the cache.
	TTL time.Duration `env:"NUONUO_CACHE_TTL, default=24h" yaml:"ttl"`

	// MaxSize bounds the number of entries held by the memory store.
	MaxSize int `env:"NUONUO_CACHE_MAX_SIZE, default=10000" yaml:"maxSize"`

	Quota      QuotaConfig           `yaml:"quota"`
	Redis      RedisConfig           `yaml:"redis"`
	Valkey     ValkeyConfig          `yaml:"valkey"`
	Encryption CacheEncryptionConfig `yaml:"encryption"`
}

// QuotaConfig limits how many fresh grants may be requested for one cache
// key inside a window. A zero Limit disables the quota.
type QuotaConfig struct {
	Limit  int           `env:"NUONUO_CACHE_QUOTA_LIMIT, default=50" yaml:"limit"`
	Window time.Duration `env:"NUONUO_CACHE_QUOTA_WINDOW, default=720h" yaml:"window"`
}

// RedisConfig specifies the redis store.
type RedisConfig struct {
	Address  string `env:"NUONUO_REDIS_ADDRESS" yaml:"address"`
	Password string `env:"NUONUO_REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"NUONUO_REDIS_DB, default=0" yaml:"db"`
}

// ValkeyConfig specifies the valkey store.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"NUONUO_VALKEY_ADDRESS" yaml:"address"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"NUONUO_VALKEY_TLS, default=true" yaml:"tls"`

	Username string `env:"NUONUO_VALKEY_USERNAME" yaml:"username"`
	Password string `env:"NUONUO_VALKEY_PASSWORD" yaml:"password"`

	// IAMEnabled authenticates with short-lived ElastiCache IAM tokens
	// instead of the static password.
	IAMEnabled    bool   `env:"NUONUO_VALKEY_IAM_ENABLED, default=false" yaml:"iamEnabled"`
	IAMCacheName  string `env:"NUONUO_VALKEY_IAM_CACHE_NAME" yaml:"iamCacheName"`
	IAMServerless bool   `env:"NUONUO_VALKEY_IAM_SERVERLESS, default=false" yaml:"iamServerless"`
}

// CacheEncryptionConfig holds settings for encrypting cached tokens. Only
// supported by the distributed stores.
type CacheEncryptionConfig struct {
	Enabled bool `env:"NUONUO_CACHE_ENCRYPTION_ENABLED, default=false" yaml:"enabled"`

	// KeysetFile is a cleartext Tink keyset on disk. Intended for local
	// development and tests.
	KeysetFile string `env:"NUONUO_CACHE_ENCRYPTION_KEYSET_FILE" yaml:"keysetFile"`

	// KeysetURI is the URI to the encrypted Tink keyset.
	// Format: aws-secretsmanager://secret-name
	KeysetURI string `env:"NUONUO_CACHE_ENCRYPTION_KEYSET_URI" yaml:"keysetUri"`

	// KMSEnvelopeKeyURI is the AWS KMS key URI for envelope encryption.
	// Format: aws-kms://arn:aws:kms:region:account:key/key-id
	KMSEnvelopeKeyURI string `env:"NUONUO_CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI" yaml:"kmsEnvelopeKeyUri"`
}

// Load reads the configuration from the OS environment.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, Config{}, nil)
}

// LoadFile reads a YAML configuration file. Settings absent from the file are
// taken from the environment, then from defaults. A zero value in the file
// cannot be told apart from an absent one, so it is also replaced.
func LoadFile(ctx context.Context, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return load(ctx, cfg, nil)
}

func load(ctx context.Context, cfg Config, lookup envconfig.Lookuper) (Config, error) {
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Defaults shared by the environment tags and WithDefaults.
const (
	DefaultAPIURL       = "https://sandbox.nuonuocs.cn/open/v1/services"
	DefaultAuthTokenURL = "https://open.nuonuo.com/accessToken"
	DefaultCachePrefix  = "nuonuo_"
)

// WithDefaults returns a copy of the configuration with unset optional
// settings filled in, matching what Load applies. The quota is left alone:
// a zero limit disables it.
func (c Config) WithDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.AuthTokenURL == "" {
		c.AuthTokenURL = DefaultAuthTokenURL
	}
	if c.AccessTokenCache.Prefix == "" {
		c.AccessTokenCache.Prefix = DefaultCachePrefix
	}
	if c.OKCode == "" {
		c.OKCode = "E0000"
	}
	if c.AccessTokenCache.Store == "" {
		c.AccessTokenCache.Store = StoreMemory
	}
	if c.AccessTokenCache.TTL == 0 {
		c.AccessTokenCache.TTL = 24 * time.Hour
	}
	if c.AccessTokenCache.MaxSize == 0 {
		c.AccessTokenCache.MaxSize = 10_000
	}
	return c
}

// Validate checks that every setting needed to sign requests and acquire
// tokens is present.
func (c Config) Validate() error {
	var errs []error

	required := []struct {
		name, value string
	}{
		{"appKey", c.AppKey},
		{"appSecret", c.AppSecret},
		{"apiUrl", c.APIURL},
		{"authTokenUrl", c.AuthTokenURL},
		{"userTax", c.UserTax},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	if c.APIURL != "" {
		if err := validateAPIURL(c.APIURL); err != nil {
			errs = append(errs, err)
		}
	}

	if c.AuthTokenURL != "" {
		if u, err := url.Parse(c.AuthTokenURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("authTokenUrl %q is not an absolute URL", c.AuthTokenURL))
		}
	}

	if c.ISV && c.RedirectURI == "" {
		errs = append(errs, errors.New("redirectUri is required when isv is enabled"))
	}

	if err := c.AccessTokenCache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid accessTokenCache configuration: %w", err))
	}

	if c.Observe.Enabled {
		switch c.Observe.Type {
		case "grpc", "stdout":
		default:
			errs = append(errs, fmt.Errorf("invalid observe type %q: must be \"grpc\" or \"stdout\"", c.Observe.Type))
		}
	}

	return errors.Join(errs...)
}

// validateAPIURL checks the shape the request signature depends on: an
// absolute URL whose path has exactly three segments. The query belongs to
// the signed request parameters, so the URL may carry none of its own.
func validateAPIURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("apiUrl %q is not an absolute URL", raw)
	}

	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return fmt.Errorf("apiUrl %q must not have a query or fragment", raw)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) != 3 || slices.Contains(segments, "") {
		return fmt.Errorf("apiUrl path %q must have the form /<p>/<l>/<a>", u.Path)
	}

	return nil
}

// Validate checks that the cache configuration is valid.
func (c CacheConfig) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreValkey:
	default:
		return fmt.Errorf("invalid store %q: must be one of %q, %q or %q", c.Store, StoreMemory, StoreRedis, StoreValkey)
	}

	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}

	if c.Quota.Limit < 0 {
		return fmt.Errorf("quota limit must not be negative, got %d", c.Quota.Limit)
	}
	if c.Quota.Limit > 0 && c.Quota.Window <= 0 {
		return fmt.Errorf("quota window must be positive when a limit is set")
	}

	if c.Store == StoreRedis && c.Redis.Address == "" {
		return fmt.Errorf("redis address required when store is %q", StoreRedis)
	}

	if c.Store == StoreValkey {
		if c.Valkey.Address == "" {
			return fmt.Errorf("valkey address required when store is %q", StoreValkey)
		}
		if c.Valkey.IAMEnabled && c.Valkey.IAMCacheName == "" {
			return fmt.Errorf("valkey IAM cache name required when IAM auth is enabled")
		}
	}

	// Encryption requires a distributed store
	if c.Encryption.Enabled {
		if c.Store == StoreMemory {
			return fmt.Errorf("cache encryption requires the redis or valkey store")
		}
		if c.Encryption.KeysetFile == "" {
			if c.Encryption.KeysetURI == "" {
				return fmt.Errorf("encryption keyset URI required when encryption enabled")
			}
			if c.Encryption.KMSEnvelopeKeyURI == "" {
				return fmt.Errorf("encryption KMS envelope key URI required when encryption enabled")
			}
		}
	}

	return nil
}
