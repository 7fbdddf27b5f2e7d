// Package token acquires and caches access tokens from the Nuonuo
// authorization endpoint.
package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Token is the record returned by the authorization endpoint. A Token that
// carries Error was refused by the endpoint and is never cached.
type Token struct {
	AccessToken  string     `json:"access_token"`
	ExpiresIn    int64      `json:"expires_in,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	OAuthUser    *OAuthUser `json:"oauthUser,omitempty"`
	UserID       string     `json:"userId,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`

	// IssuedAt is set locally when the grant succeeds.
	IssuedAt time.Time `json:"issued_at,omitzero"`
}

// Failed reports whether the endpoint returned an error instead of a token.
func (t Token) Failed() bool {
	return t.Error != ""
}

// Expiry returns when the token lapses, or the zero time if the lifetime is
// unknown.
func (t Token) Expiry() time.Time {
	if t.IssuedAt.IsZero() || t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// OAuthUser identifies the taxpayer a service-provider token acts for.
type OAuthUser struct {
	// UserName is the taxpayer's tax number.
	UserName     string `json:"userName"`
	RegisterType string `json:"registerType,omitempty"`
}

// UnmarshalJSON accepts the user record either as an object or as a string
// holding the JSON-encoded object; the endpoint has used both.
func (u *OAuthUser) UnmarshalJSON(data []byte) error {
	type plain OAuthUser

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		if encoded == "" {
			*u = OAuthUser{}
			return nil
		}
		data = []byte(encoded)
	}

	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decoding oauthUser: %w", err)
	}
	*u = OAuthUser(p)
	return nil
}

// GrantError is a refusal from the authorization endpoint, surfaced as a Go
// error where an error value is required.
type GrantError struct {
	Code        string
	Description string
}

func (e *GrantError) Error() string {
	if e.Description == "" {
		return "token grant refused: " + e.Code
	}
	return fmt.Sprintf("token grant refused: %s: %s", e.Code, e.Description)
}
