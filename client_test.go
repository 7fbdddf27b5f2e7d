package nuonuo_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	nuonuo "github.com/nuonuo-sdk/nuonuo-go"
	"github.com/nuonuo-sdk/nuonuo-go/config"
	"github.com/nuonuo-sdk/nuonuo-go/internal/testhelpers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*testhelpers.MockNuonuoServer, config.Config) {
	t.Helper()

	mock := testhelpers.SetupMockNuonuoServer(t, "sandbox", "sandbox-secret")

	cfg := config.Config{
		AppKey:       "sandbox",
		AppSecret:    "sandbox-secret",
		APIURL:       mock.APIURL(),
		AuthTokenURL: mock.AuthURL(),
		UserTax:      "339901999999142",
		AccessTokenCache: config.CacheConfig{
			Prefix: "nuonuo_",
		},
	}

	return mock, cfg
}

func newClient(t *testing.T, cfg config.Config, opts ...nuonuo.Option) *nuonuo.Client {
	t.Helper()

	opts = append([]nuonuo.Option{nuonuo.WithClock(func() time.Time { return fixedNow })}, opts...)
	client, err := nuonuo.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := nuonuo.New(context.Background(), config.Config{AppKey: "sandbox"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "appSecret is required")
	assert.ErrorContains(t, err, "userTax is required")
}

func TestNew_AppliesDefaults(t *testing.T) {
	_, cfg := setup(t)

	client := newClient(t, cfg)

	assert.Equal(t, "E0000", client.Config().OKCode)
	assert.Equal(t, config.StoreMemory, client.Config().AccessTokenCache.Store)
}

func TestExecute_SignedMerchantCall(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	payload := map[string]any{"serialNos": []string{"20260301000001"}}
	resp, err := client.Execute(context.Background(), "nuonuo.OpeMplatform.queryInvoiceResult", payload)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, resp.TokenError)
	assert.True(t, resp.OK())

	result, err := resp.Result()
	require.NoError(t, err)
	assert.Equal(t, "E0000", result.Code)
	assert.JSONEq(t, `{"invoiceSerialNum":"20260301000001"}`, string(result.Result))

	auth := mock.AuthRequests()
	require.Len(t, auth, 1)
	assert.Equal(t, "client_credentials", auth[0].Get("grant_type"))

	calls := mock.APIRequests()
	require.Len(t, calls, 1)
	call := calls[0]

	assert.True(t, call.SignatureValid)
	assert.Equal(t, "application/json", call.Header.Get("Content-Type"))
	assert.Equal(t, "mock-access-token", call.Header.Get("accessToken"))
	assert.Equal(t, "339901999999142", call.Header.Get("userTax"))
	assert.Equal(t, "nuonuo.OpeMplatform.queryInvoiceResult", call.Header.Get("method"))
	assert.JSONEq(t, `{"serialNos":["20260301000001"]}`, call.Body)

	assert.Equal(t, "sandbox", call.Query.Get("appkey"))
	assert.Equal(t, "1772352000", call.Query.Get("timestamp"))
	assert.Regexp(t, `^[0-9a-f]{32}$`, call.Query.Get("senid"))
	assert.Regexp(t, `^[1-9][0-9]{7}$`, call.Query.Get("nonce"))
}

func TestExecute_WritesAuditEntry(t *testing.T) {
	_, cfg := setup(t)
	client := newClient(t, cfg)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	_, err := client.Execute(ctx, "nuonuo.OpeMplatform.queryInvoiceResult", nil)
	require.NoError(t, err)
	buf.Reset()

	_, err = client.Execute(ctx, "nuonuo.OpeMplatform.queryInvoiceResult", nil)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "audit_event", entry["message"])
	assert.Equal(t, "nuonuo.OpeMplatform.queryInvoiceResult", entry["method"])
	assert.Equal(t, "339901999999142", entry["taxNumber"])
	assert.Equal(t, "E0000", entry["code"])
	assert.Equal(t, float64(http.StatusOK), entry["status"])
	assert.Len(t, entry["senid"], 32)
	assert.Equal(t, map[string]any{"flow": "client_credentials", "cached": true, "shared": false}, entry["token"])
}

func TestExecute_ReusesToken(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	for range 3 {
		_, err := client.Execute(context.Background(), "nuonuo.OpeMplatform.queryInvoiceResult", map[string]any{})
		require.NoError(t, err)
	}

	assert.Len(t, mock.AuthRequests(), 1)
	calls := mock.APIRequests()
	require.Len(t, calls, 3)

	// a fresh senid for every request
	assert.NotEqual(t, calls[0].Query.Get("senid"), calls[1].Query.Get("senid"))
	assert.NotEqual(t, calls[1].Query.Get("senid"), calls[2].Query.Get("senid"))
}

func TestExecute_TaxNumberOption(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	_, err := client.Execute(context.Background(), "m", map[string]any{}, nuonuo.WithTaxNumber("91330100MA27XXXXXX"))
	require.NoError(t, err)

	calls := mock.APIRequests()
	require.Len(t, calls, 1)
	assert.Equal(t, "91330100MA27XXXXXX", calls[0].Header.Get("userTax"))
}

func TestExecute_RawPayloadSentUnchanged(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	raw := json.RawMessage(`{"b":2,  "a":1}`)
	_, err := client.Execute(context.Background(), "m", raw)
	require.NoError(t, err)

	calls := mock.APIRequests()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"b":2,  "a":1}`, calls[0].Body)
	assert.True(t, calls[0].SignatureValid)
}

func TestExecute_TokenRefusalSkipsCall(t *testing.T) {
	mock, cfg := setup(t)
	mock.SetTokenResponse(http.StatusOK, map[string]any{
		"error":             "invalid_client",
		"error_description": "client_secret mismatch",
	})
	client := newClient(t, cfg)

	resp, err := client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)

	require.NotNil(t, resp.TokenError)
	assert.Equal(t, "invalid_client", resp.TokenError.Error)
	assert.Equal(t, 0, resp.StatusCode)
	assert.False(t, resp.OK())
	assert.Empty(t, mock.APIRequests())

	var grantErr *nuonuo.GrantError
	_, err = resp.Result()
	require.True(t, errors.As(err, &grantErr))
	assert.Equal(t, "invalid_client", grantErr.Code)

	// the refusal was not cached
	mock.SetTokenResponse(http.StatusOK, map[string]any{"access_token": "second"})
	resp, err = client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Len(t, mock.AuthRequests(), 2)
}

func TestExecute_BusinessErrorReturnedVerbatim(t *testing.T) {
	mock, cfg := setup(t)
	mock.SetAPIResponse(map[string]any{"code": "E9106", "describe": "invoice not found"})
	client := newClient(t, cfg)

	resp, err := client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)

	assert.False(t, resp.OK())
	assert.JSONEq(t, `{"code":"E9106","describe":"invoice not found"}`, string(resp.Body))

	result, err := resp.Result()
	require.NoError(t, err)
	assert.Equal(t, "E9106", result.Code)
	assert.Equal(t, "invoice not found", result.Describe)
}

func TestExecute_CustomOKCode(t *testing.T) {
	mock, cfg := setup(t)
	cfg.OKCode = "0000"
	mock.SetAPIResponse(map[string]any{"code": "0000"})
	client := newClient(t, cfg)

	resp, err := client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestExecute_TransportFailure(t *testing.T) {
	outage := errors.New("network unreachable")
	_, cfg := setup(t)

	client := newClient(t, cfg, nuonuo.WithCaller(nuonuo.CallerFunc(
		func(context.Context, string, nuonuo.HTTPRequest) (*nuonuo.HTTPResponse, error) {
			return nil, outage
		})))

	_, err := client.Execute(context.Background(), "m", map[string]any{})
	assert.ErrorIs(t, err, outage)
	assert.ErrorContains(t, err, "acquiring access token")
}

func TestExecute_UnencodablePayload(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	_, err := client.Execute(context.Background(), "m", map[string]any{"ch": make(chan int)})
	assert.ErrorContains(t, err, "encoding payload for m")
	assert.Empty(t, mock.AuthRequests())
}

func TestExecute_ISVRequiresCodeOnFirstCall(t *testing.T) {
	mock, cfg := setup(t)
	cfg.ISV = true
	cfg.RedirectURI = "https://isv.example.com/callback"
	mock.SetTokenResponse(http.StatusOK, map[string]any{
		"access_token":  "isv-token",
		"refresh_token": "isv-refresh",
		"expires_in":    86400,
		"oauthUser":     `{"userName":"339901999999142","registerType":"1"}`,
	})
	client := newClient(t, cfg)
	ctx := context.Background()

	_, err := client.Execute(ctx, "m", map[string]any{})
	assert.ErrorIs(t, err, nuonuo.ErrAuthorizationCodeRequired)

	resp, err := client.Execute(ctx, "m", map[string]any{}, nuonuo.WithAuthorizationCode("auth-code"))
	require.NoError(t, err)
	assert.True(t, resp.OK())

	auth := mock.AuthRequests()
	require.Len(t, auth, 1)
	assert.Equal(t, "authorization_code", auth[0].Get("grant_type"))
	assert.Equal(t, "auth-code", auth[0].Get("code"))
	assert.Equal(t, "339901999999142", auth[0].Get("taxNum"))
	assert.Equal(t, "https://isv.example.com/callback", auth[0].Get("redirectUri"))

	// cached for the tax number; no code needed
	_, err = client.Execute(ctx, "m", map[string]any{})
	require.NoError(t, err)
	assert.Len(t, mock.AuthRequests(), 1)

	calls := mock.APIRequests()
	require.Len(t, calls, 2)
	assert.Equal(t, "isv-token", calls[1].Header.Get("accessToken"))
}

func TestRefreshToken_ServesLaterCalls(t *testing.T) {
	mock, cfg := setup(t)
	cfg.ISV = true
	cfg.RedirectURI = "https://isv.example.com/callback"
	mock.SetTokenResponse(http.StatusOK, map[string]any{
		"access_token":  "refreshed-token",
		"refresh_token": "next-refresh",
		"expires_in":    86400,
		"oauthUser":     map[string]any{"userName": "91330100MA27XXXXXX"},
	})
	client := newClient(t, cfg)
	ctx := context.Background()

	tok, err := client.RefreshToken(ctx, "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", tok.AccessToken)
	assert.Equal(t, fixedNow.Add(24*time.Hour), tok.Expiry())

	// the refreshed token is cached under its own tax number
	resp, err := client.Execute(ctx, "m", map[string]any{}, nuonuo.WithTaxNumber("91330100MA27XXXXXX"))
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Len(t, mock.AuthRequests(), 1)
}

func TestAccessToken(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	tok, err := client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock-access-token", tok.AccessToken)
	assert.Len(t, mock.AuthRequests(), 1)
}

func TestExecute_QuotaExceeded(t *testing.T) {
	mock, cfg := setup(t)
	cfg.AccessTokenCache.Quota = config.QuotaConfig{Limit: 1, Window: time.Hour}
	mock.SetTokenResponse(http.StatusOK, map[string]any{"error": "server_busy"})
	client := newClient(t, cfg)
	ctx := context.Background()

	resp, err := client.Execute(ctx, "m", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, resp.TokenError)

	_, err = client.Execute(ctx, "m", map[string]any{})
	assert.ErrorIs(t, err, nuonuo.ErrQuotaExceeded)
	assert.Len(t, mock.AuthRequests(), 1)
}

func TestExecute_RedisStore(t *testing.T) {
	mock, cfg := setup(t)
	mr := miniredis.RunT(t)
	cfg.AccessTokenCache.Store = config.StoreRedis
	cfg.AccessTokenCache.Redis.Address = mr.Addr()

	client := newClient(t, cfg)

	_, err := client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)
	assert.True(t, mr.Exists("nuonuo_sandbox"))

	// a second client sharing the store reuses the token
	other := newClient(t, cfg)
	_, err = other.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)

	assert.Len(t, mock.AuthRequests(), 1)
}

func TestExecute_ConcurrentCallsShareOneGrant(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Execute(context.Background(), "m", map[string]any{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, mock.APIRequests(), 10)
	assert.LessOrEqual(t, len(mock.AuthRequests()), 10)
	assert.GreaterOrEqual(t, len(mock.AuthRequests()), 1)
}

func TestWithCache(t *testing.T) {
	mock, cfg := setup(t)
	tokens := &recordingCache{entries: map[string]nuonuo.Token{}}
	client := newClient(t, cfg, nuonuo.WithCache(tokens))

	_, err := client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)

	assert.Contains(t, tokens.entries, "nuonuo_sandbox")
	assert.Len(t, mock.AuthRequests(), 1)

	require.NoError(t, client.Close())
	assert.True(t, tokens.closed)
}

func TestWithCache_DefaultPrefix(t *testing.T) {
	_, cfg := setup(t)
	cfg.AccessTokenCache.Prefix = ""
	tokens := &recordingCache{entries: map[string]nuonuo.Token{}}
	client := newClient(t, cfg, nuonuo.WithCache(tokens))

	_, err := client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, config.DefaultCachePrefix, client.Config().AccessTokenCache.Prefix)
	assert.Contains(t, tokens.entries, "nuonuo_sandbox")
}

func TestNew_RejectsAPIURLWithQuery(t *testing.T) {
	_, cfg := setup(t)

	for _, suffix := range []string{"?env=sandbox", "#v1"} {
		t.Run(suffix, func(t *testing.T) {
			cfg := cfg
			cfg.APIURL += suffix

			_, err := nuonuo.New(context.Background(), cfg)
			require.Error(t, err)
			assert.ErrorContains(t, err, "must not have a query or fragment")
		})
	}
}

func TestExecute_QueryHoldsOnlySignedParameters(t *testing.T) {
	mock, cfg := setup(t)
	client := newClient(t, cfg)

	_, err := client.Execute(context.Background(), "m", map[string]any{})
	require.NoError(t, err)

	calls := mock.APIRequests()
	require.Len(t, calls, 1)

	keys := make([]string, 0, len(calls[0].Query))
	for k := range calls[0].Query {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"senid", "nonce", "timestamp", "appkey"}, keys)
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[string]nuonuo.Token
	closed  bool
}

func (c *recordingCache) Get(_ context.Context, key string) (nuonuo.Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.entries[key]
	return tok, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, tok nuonuo.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tok
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *recordingCache) Close() error {
	c.closed = true
	return nil
}
