package token

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource exposes a grant as an oauth2.TokenSource. Each call to Token
// goes through the manager, so caching and quota apply. A refusal from the
// endpoint is returned as a *GrantError.
//
// The returned source is not wrapped in oauth2.ReuseTokenSource: the
// manager's cache already holds the token.
func (m *Manager) TokenSource(ctx context.Context, g Grant) oauth2.TokenSource {
	return &grantTokenSource{ctx: ctx, manager: m, grant: g}
}

type grantTokenSource struct {
	ctx     context.Context
	manager *Manager
	grant   Grant
}

func (s *grantTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.manager.Acquire(s.ctx, s.grant)
	if err != nil {
		return nil, err
	}
	if tok.Failed() {
		return nil, &GrantError{Code: tok.Error, Description: tok.ErrorDescription}
	}

	t := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry(),
		ExpiresIn:    tok.ExpiresIn,
	}
	return t.WithExtra(map[string]any{"userId": tok.UserID}), nil
}
