// Package nuonuo is a client for the Nuonuo open platform e-invoicing API.
//
// A Client acquires and caches access tokens, signs each business request
// and posts it to the configured API endpoint:
//
//	cfg, err := config.Load(ctx)
//	...
//	client, err := nuonuo.New(ctx, cfg)
//	...
//	defer client.Close()
//
//	resp, err := client.Execute(ctx, "nuonuo.OpeMplatform.queryInvoiceResult", payload)
//
// Refusals from the platform are returned as data: inspect Response.TokenError
// and Response.Result rather than relying on the error value, which is
// reserved for cache, quota and transport failures.
package nuonuo

import (
	"github.com/nuonuo-sdk/nuonuo-go/internal/cache"
	"github.com/nuonuo-sdk/nuonuo-go/internal/token"
	"github.com/nuonuo-sdk/nuonuo-go/internal/transport"
)

type (
	Token      = token.Token
	OAuthUser  = token.OAuthUser
	GrantError = token.GrantError

	// TokenCache stores access tokens by cache key.
	TokenCache = cache.TokenCache[token.Token]
	// Quota limits fresh grants per cache key.
	Quota = cache.Quota

	// Caller performs the HTTP exchanges for both the authorization and
	// business endpoints.
	Caller       = transport.Caller
	CallerFunc   = transport.CallerFunc
	HTTPRequest  = transport.Request
	HTTPResponse = transport.Response
)

var (
	ErrAuthorizationCodeRequired = token.ErrAuthorizationCodeRequired
	ErrMissingOAuthUser          = token.ErrMissingOAuthUser
	ErrRefreshTokenRequired      = token.ErrRefreshTokenRequired
	ErrQuotaExceeded             = cache.ErrQuotaExceeded
)
