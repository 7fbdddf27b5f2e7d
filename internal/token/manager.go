package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/nuonuo-sdk/nuonuo-go/config"
	"github.com/nuonuo-sdk/nuonuo-go/internal/audit"
	"github.com/nuonuo-sdk/nuonuo-go/internal/cache"
	"github.com/nuonuo-sdk/nuonuo-go/internal/transport"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/nuonuo-sdk/nuonuo-go/internal/token"

// DefaultGrantTimeout bounds a grant shared by concurrent callers. The grant
// is detached from the caller that started it, so it needs a limit of its
// own.
const DefaultGrantTimeout = 30 * time.Second

var (
	ErrAuthorizationCodeRequired = errors.New("authorization code required: no cached token for this tax number")
	ErrRefreshTokenRequired      = errors.New("refresh token required")
	ErrTaxNumberRequired         = errors.New("tax number required for the authorization code flow")
	ErrMissingOAuthUser          = errors.New("refreshed token has no oauthUser record")
	ErrUnsupportedFlow           = errors.New("unsupported grant flow")
	ErrMalformedResponse         = errors.New("token response has neither access_token nor error")
)

// Flow names a grant protocol.
type Flow int

const (
	FlowMerchantCredentials Flow = iota + 1
	FlowAuthorizationCode
	FlowRefreshToken
)

func (f Flow) String() string {
	switch f {
	case FlowMerchantCredentials:
		return "client_credentials"
	case FlowAuthorizationCode:
		return "authorization_code"
	case FlowRefreshToken:
		return "refresh_token"
	default:
		return fmt.Sprintf("Flow(%d)", int(f))
	}
}

// Grant describes a token request. Only the fields used by Flow are read.
type Grant struct {
	Flow Flow

	// TaxNumber scopes the cached token. Optional for the merchant flow,
	// required for the authorization code flow.
	TaxNumber string

	// Code is the authorization code, needed only when no token is cached.
	Code string

	RefreshToken string
}

// Manager acquires tokens and keeps them in a TokenCache. Concurrent misses
// for the same cache key share a single grant.
type Manager struct {
	appKey      string
	appSecret   string
	authURL     string
	redirectURI string
	prefix      string

	caller       transport.Caller
	tokens       cache.TokenCache[Token]
	quota        cache.Quota
	now          func() time.Time
	grantTimeout time.Duration

	group singleflight.Group
}

type Option func(*Manager)

// WithClock replaces time.Now as the source of IssuedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithGrantTimeout replaces DefaultGrantTimeout.
func WithGrantTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.grantTimeout = d
	}
}

// NewManager creates a manager for the application identified by cfg. A
// nil quota is treated as unlimited.
func NewManager(cfg config.Config, caller transport.Caller, tokens cache.TokenCache[Token], quota cache.Quota, opts ...Option) *Manager {
	if quota == nil {
		quota = cache.Unlimited{}
	}

	m := &Manager{
		appKey:      cfg.AppKey,
		appSecret:   cfg.AppSecret,
		authURL:     cfg.AuthTokenURL,
		redirectURI: cfg.RedirectURI,
		prefix:      cfg.AccessTokenCache.Prefix,
		caller:      caller,
		tokens:      tokens,
		quota:       quota,
		now:         time.Now,

		grantTimeout: DefaultGrantTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Key returns the cache key for the given tax number, which may be empty.
func (m *Manager) Key(taxNumber string) string {
	return m.prefix + m.appKey + taxNumber
}

// Acquire resolves a token for the grant. A refusal from the endpoint is
// returned as a Token with Error set and a nil error; errors are reserved
// for cache, quota and transport failures.
func (m *Manager) Acquire(ctx context.Context, g Grant) (Token, error) {
	switch g.Flow {
	case FlowMerchantCredentials:
		return m.MerchantToken(ctx, g.TaxNumber)
	case FlowAuthorizationCode:
		return m.AuthorizationCodeToken(ctx, g.TaxNumber, g.Code)
	case FlowRefreshToken:
		return m.RefreshToken(ctx, g.RefreshToken)
	default:
		return Token{}, fmt.Errorf("%w: %s", ErrUnsupportedFlow, g.Flow)
	}
}

// MerchantToken returns the client-credentials token, cached per tax number
// when one is given.
func (m *Manager) MerchantToken(ctx context.Context, taxNumber string) (Token, error) {
	return m.cachedGrant(ctx, FlowMerchantCredentials, m.Key(taxNumber), func() (url.Values, error) {
		return m.credentials(FlowMerchantCredentials), nil
	})
}

// AuthorizationCodeToken returns the service-provider token for taxNumber.
// The code is only exchanged when no token is cached.
func (m *Manager) AuthorizationCodeToken(ctx context.Context, taxNumber, code string) (Token, error) {
	if taxNumber == "" {
		return Token{}, ErrTaxNumberRequired
	}

	return m.cachedGrant(ctx, FlowAuthorizationCode, m.Key(taxNumber), func() (url.Values, error) {
		if code == "" {
			return nil, ErrAuthorizationCodeRequired
		}

		form := m.credentials(FlowAuthorizationCode)
		form.Set("code", code)
		form.Set("taxNum", taxNumber)
		form.Set("redirectUri", m.redirectURI)
		return form, nil
	})
}

// RefreshToken exchanges a refresh token without consulting the cache. The
// result is cached under the tax number named by the token's oauthUser,
// which may differ from any number the caller holds. When the response has
// no user record the token is returned together with ErrMissingOAuthUser
// and is not cached.
func (m *Manager) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, ErrRefreshTokenRequired
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "token.refresh",
		trace.WithAttributes(attribute.String("grant.flow", FlowRefreshToken.String())))
	defer span.End()

	form := m.credentials(FlowRefreshToken)
	form.Set("refresh_token", refreshToken)

	// identical refresh tokens in flight share the exchange; the endpoint
	// would reject the second use anyway
	tok, _, err := m.shared(ctx, "refresh:"+refreshToken, func(ctx context.Context) (Token, error) {
		return m.grant(ctx, FlowRefreshToken, form)
	})
	if err != nil {
		recordError(span, err)
		return Token{}, err
	}

	if tok.Failed() {
		span.SetAttributes(attribute.String("grant.error", tok.Error))
		return tok, nil
	}

	if tok.OAuthUser == nil || tok.OAuthUser.UserName == "" {
		recordError(span, ErrMissingOAuthUser)
		return tok, ErrMissingOAuthUser
	}

	key := m.Key(tok.OAuthUser.UserName)
	if err := m.tokens.Set(ctx, key, tok); err != nil {
		err = fmt.Errorf("caching refreshed token: %w", err)
		recordError(span, err)
		return Token{}, err
	}

	log.Info().
		Str("key", key).
		Int64("expires_in", tok.ExpiresIn).
		Msg("token refreshed")

	span.SetStatus(codes.Ok, "refreshed")
	return tok, nil
}

// cachedGrant returns the cached token for key, or performs the grant built
// by form and caches its result. The form is only built on a miss.
func (m *Manager) cachedGrant(ctx context.Context, flow Flow, key string, form func() (url.Values, error)) (Token, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "token.acquire",
		trace.WithAttributes(attribute.String("grant.flow", flow.String())))
	defer span.End()

	entry := audit.Log(ctx)
	entry.Token.Flow = flow.String()

	tok, found, err := m.tokens.Get(ctx, key)
	if err != nil {
		err = fmt.Errorf("reading token cache: %w", err)
		recordError(span, err)
		return Token{}, err
	}
	if found && !tok.Failed() {
		entry.Token.Cached = true
		span.SetAttributes(attribute.Bool("token.cached", true))
		log.Debug().Str("key", key).Msg("hit: cached token found")
		return tok, nil
	}
	span.SetAttributes(attribute.Bool("token.cached", false))

	values, err := form()
	if err != nil {
		recordError(span, err)
		return Token{}, err
	}

	tok, shared, err := m.shared(ctx, key, func(ctx context.Context) (Token, error) {
		allowed, err := m.quota.Allow(ctx, key)
		if err != nil {
			return Token{}, fmt.Errorf("checking grant quota: %w", err)
		}
		if !allowed {
			log.Warn().Str("key", key).Msg("grant quota exhausted")
			return Token{}, fmt.Errorf("%w for %s", cache.ErrQuotaExceeded, key)
		}

		tok, err := m.grant(ctx, flow, values)
		if err != nil {
			return Token{}, err
		}

		if tok.Failed() {
			return tok, nil
		}

		if err := m.tokens.Set(ctx, key, tok); err != nil {
			return Token{}, fmt.Errorf("caching token: %w", err)
		}

		log.Info().
			Str("key", key).
			Str("flow", flow.String()).
			Int64("expires_in", tok.ExpiresIn).
			Msg("miss: token granted and cached")

		return tok, nil
	})
	entry.Token.Shared = shared
	span.SetAttributes(attribute.Bool("grant.shared", shared))
	if err != nil {
		recordError(span, err)
		return Token{}, err
	}

	if tok.Failed() {
		entry.Token.GrantError = tok.Error
		span.SetAttributes(attribute.String("grant.error", tok.Error))
	} else {
		span.SetStatus(codes.Ok, "acquired")
	}

	return tok, nil
}

// shared runs fn once for all concurrent callers with the same key. fn gets
// a context that is not cancelled with the caller that started it, bounded
// by the grant timeout instead, so one caller giving up does not fail the
// others. Each caller still returns as soon as its own ctx is done.
func (m *Manager) shared(ctx context.Context, key string, fn func(context.Context) (Token, error)) (Token, bool, error) {
	ch := m.group.DoChan(key, func() (any, error) {
		grantCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.grantTimeout)
		defer cancel()
		return fn(grantCtx)
	})

	select {
	case <-ctx.Done():
		return Token{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Shared, res.Err
		}
		return res.Val.(Token), res.Shared, nil
	}
}

// grant posts the form to the authorization endpoint and decodes the reply.
func (m *Manager) grant(ctx context.Context, flow Flow, form url.Values) (Token, error) {
	resp, err := m.caller.Call(ctx, m.authURL, transport.FormRequest(form))
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(resp.Body, &tok); err != nil {
		return Token{}, fmt.Errorf("decoding token response (status %d): %w", resp.StatusCode, err)
	}

	if tok.Failed() {
		log.Warn().
			Str("flow", flow.String()).
			Int("status", resp.StatusCode).
			Str("error", tok.Error).
			Str("error_description", tok.ErrorDescription).
			Msg("token grant refused")
		return tok, nil
	}

	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("%w (status %d)", ErrMalformedResponse, resp.StatusCode)
	}

	tok.IssuedAt = m.now()
	return tok, nil
}

func (m *Manager) credentials(flow Flow) url.Values {
	return url.Values{
		"client_id":     []string{m.appKey},
		"client_secret": []string{m.appSecret},
		"grant_type":    []string{flow.String()},
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
