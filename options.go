package nuonuo

import (
	"net/http"
	"time"
)

type clientOptions struct {
	caller     Caller
	httpClient *http.Client
	tokens     TokenCache
	quota      Quota
	now        func() time.Time
}

// Option configures a Client.
type Option func(*clientOptions)

// WithCaller replaces the HTTP stack used for every outbound call.
func WithCaller(caller Caller) Option {
	return func(o *clientOptions) {
		o.caller = caller
	}
}

// WithHTTPClient sets the client used by the default caller. Ignored when
// WithCaller is given.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithCache supplies the token cache instead of building one from the
// configuration. The cache is closed by Client.Close.
func WithCache(tokens TokenCache) Option {
	return func(o *clientOptions) {
		o.tokens = tokens
	}
}

// WithQuota supplies the grant quota. Without it, the quota described by the
// configuration is used, or none when WithCache is given.
func WithQuota(quota Quota) Option {
	return func(o *clientOptions) {
		o.quota = quota
	}
}

// WithClock replaces time.Now for request timestamps and token issue times.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		o.now = now
	}
}

type callOptions struct {
	taxNumber string
	code      string
}

// CallOption adjusts a single Execute call.
type CallOption func(*callOptions)

// WithTaxNumber sends the call on behalf of taxNumber instead of the
// configured default.
func WithTaxNumber(taxNumber string) CallOption {
	return func(o *callOptions) {
		o.taxNumber = taxNumber
	}
}

// WithAuthorizationCode supplies the code exchanged when a service-provider
// client has no cached token for the tax number.
func WithAuthorizationCode(code string) CallOption {
	return func(o *callOptions) {
		o.code = code
	}
}
