package nuonuo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nuonuo-sdk/nuonuo-go/config"
	"github.com/nuonuo-sdk/nuonuo-go/internal/audit"
	"github.com/nuonuo-sdk/nuonuo-go/internal/cache"
	"github.com/nuonuo-sdk/nuonuo-go/internal/observe"
	"github.com/nuonuo-sdk/nuonuo-go/internal/signature"
	"github.com/nuonuo-sdk/nuonuo-go/internal/token"
	"github.com/nuonuo-sdk/nuonuo-go/internal/transport"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nuonuo-sdk/nuonuo-go"

// Client issues signed calls to the business API. It is safe for concurrent
// use.
type Client struct {
	cfg    config.Config
	apiURL url.URL

	caller  transport.Caller
	manager *token.Manager
	tokens  TokenCache
	now     func() time.Time
}

// New validates the configuration and builds a client. Unless WithCache is
// given, the token cache and grant quota are created from
// cfg.AccessTokenCache; ctx bounds that setup only.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	apiURL, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid apiUrl: %w", err)
	}

	o := clientOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if o.caller == nil {
		httpClient := o.httpClient
		if httpClient == nil {
			httpClient = &http.Client{
				Transport: observe.HTTPTransport(http.DefaultTransport, cfg.Observe),
			}
		}
		o.caller = transport.NewHTTPCaller(httpClient)
	}

	if o.tokens == nil {
		tokens, quota, err := cache.NewFromConfig[token.Token](ctx, cfg.AccessTokenCache)
		if err != nil {
			return nil, fmt.Errorf("token cache configuration failed: %w", err)
		}
		o.tokens = tokens
		if o.quota == nil {
			o.quota = quota
		}
	}

	manager := token.NewManager(cfg, o.caller, o.tokens, o.quota, token.WithClock(o.now))

	log.Debug().
		Str("app_key", cfg.AppKey).
		Str("api_url", cfg.APIURL).
		Bool("isv", cfg.ISV).
		Str("cache_store", cfg.AccessTokenCache.Store).
		Msg("nuonuo client configured")

	return &Client{
		cfg:     cfg,
		apiURL:  *apiURL,
		caller:  o.caller,
		manager: manager,
		tokens:  o.tokens,
		now:     o.now,
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (c *Client) Config() config.Config {
	return c.cfg
}

// AccessToken resolves the token Execute would use: the authorization code
// flow for service-provider clients, otherwise the merchant flow.
func (c *Client) AccessToken(ctx context.Context, opts ...CallOption) (Token, error) {
	o := c.callOptions(opts)
	return c.accessToken(ctx, o)
}

// RefreshToken exchanges a service-provider refresh token, caching the result
// under the tax number the platform reports for it.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	return c.manager.RefreshToken(ctx, refreshToken)
}

// Execute calls the business API method with payload serialized as JSON. A
// payload of type json.RawMessage or []byte is sent unchanged.
//
// The platform's reply is returned verbatim whatever its status. When no
// token could be obtained because the authorization endpoint refused, the
// API is not called and the refusal is returned in Response.TokenError.
func (c *Client) Execute(ctx context.Context, method string, payload any, opts ...CallOption) (*Response, error) {
	o := c.callOptions(opts)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "nuonuo.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("nuonuo.method", method)))
	defer span.End()

	ctx, entry := audit.Context(ctx)
	entry.Begin(method, o.taxNumber)
	defer entry.End(ctx)()

	resp, err := c.execute(ctx, method, payload, o)
	if err != nil {
		entry.SetError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.TokenError != nil {
		entry.Error = "token grant refused"
		span.SetStatus(codes.Error, "token grant refused")
		return resp, nil
	}

	entry.Status = resp.StatusCode
	if result, err := resp.Result(); err == nil {
		entry.Code = result.Code
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	return resp, nil
}

func (c *Client) execute(ctx context.Context, method string, payload any, o callOptions) (*Response, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %s: %w", method, err)
	}

	tok, err := c.accessToken(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("acquiring access token: %w", err)
	}
	if tok.Failed() {
		log.Warn().
			Str("method", method).
			Str("error", tok.Error).
			Msg("api call skipped: no access token")
		return &Response{TokenError: &tok, okCode: c.cfg.OKCode}, nil
	}

	senid := signature.NewSenid()
	nonce := signature.NewNonce()
	timestamp := c.now().Unix()
	audit.Log(ctx).Senid = senid

	sign, err := signature.Sign(c.cfg.AppSecret, signature.Request{
		Path:      c.apiURL.Path,
		AppKey:    c.cfg.AppKey,
		Senid:     senid,
		Nonce:     nonce,
		Timestamp: timestamp,
		Body:      string(body),
	})
	if err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	query := url.Values{
		"senid":     []string{senid},
		"nonce":     []string{strconv.Itoa(nonce)},
		"timestamp": []string{strconv.FormatInt(timestamp, 10)},
		"appkey":    []string{c.cfg.AppKey},
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Nuonuo-Sign", sign)
	header.Set("accessToken", tok.AccessToken)
	header.Set("userTax", o.taxNumber)
	header.Set("method", method)

	target := c.apiURL
	target.RawQuery = query.Encode()

	raw, err := c.caller.Call(ctx, target.String(), transport.Request{
		Method: http.MethodPost,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}

	log.Debug().
		Str("method", method).
		Str("senid", senid).
		Int("status", raw.StatusCode).
		Msg("api call complete")

	return &Response{
		StatusCode: raw.StatusCode,
		Header:     raw.Header,
		Body:       json.RawMessage(raw.Body),
		okCode:     c.cfg.OKCode,
	}, nil
}

func (c *Client) accessToken(ctx context.Context, o callOptions) (Token, error) {
	if c.cfg.ISV {
		return c.manager.AuthorizationCodeToken(ctx, o.taxNumber, o.code)
	}
	// merchant tokens belong to the application, not the taxpayer
	return c.manager.MerchantToken(ctx, "")
}

func (c *Client) callOptions(opts []CallOption) callOptions {
	o := callOptions{taxNumber: c.cfg.UserTax}
	for _, opt := range opts {
		opt(&o)
	}
	if o.taxNumber == "" {
		o.taxNumber = c.cfg.UserTax
	}
	return o
}

// Close releases the token cache.
func (c *Client) Close() error {
	return c.tokens.Close()
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	case nil:
		return []byte("{}"), nil
	default:
		return json.Marshal(payload)
	}
}
