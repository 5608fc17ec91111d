package provider

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Credential is either an API key or an OAuth token; exactly one of the two
// accessor methods is meaningful depending on Kind().
type Credential interface {
	Kind() CredentialKind
}

type CredentialKind string

const (
	CredentialAPIKey CredentialKind = "api_key"
	CredentialOAuth  CredentialKind = "oauth"
)

// APIKeyCredential is a static bearer credential.
type APIKeyCredential struct {
	Key string
}

func (APIKeyCredential) Kind() CredentialKind { return CredentialAPIKey }

// OAuthCredential wraps an oauth2.Token plus the persistence hook invoked
// whenever the token is refreshed.
type OAuthCredential struct {
	Token *oauth2.Token

	// OnRefresh is called with the newly refreshed token so the caller can
	// persist it; a nil OnRefresh means refreshed tokens are not saved.
	OnRefresh func(ctx context.Context, refreshed *oauth2.Token) error

	source oauth2.TokenSource
}

func (*OAuthCredential) Kind() CredentialKind { return CredentialOAuth }

// RefreshBuffer is how far ahead of expiry a token is proactively refreshed.
const DefaultRefreshBuffer = 60 * time.Second

// EnsureFresh returns a valid access token, refreshing it first if its
// remaining lifetime is below buffer. Refreshed tokens are persisted via
// OnRefresh before being returned, so a crash between refresh and use never
// loses the new token.
func (c *OAuthCredential) EnsureFresh(ctx context.Context, conf *oauth2.Config, buffer time.Duration) (string, error) {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	if c.Token == nil {
		return "", errNoToken
	}
	if !c.needsRefresh(buffer) {
		return c.Token.AccessToken, nil
	}

	source := c.source
	if source == nil {
		source = conf.TokenSource(ctx, c.Token)
	}
	refreshed, err := source.Token()
	if err != nil {
		return "", err
	}
	c.Token = refreshed
	c.source = oauth2.StaticTokenSource(refreshed)

	if c.OnRefresh != nil {
		if err := c.OnRefresh(ctx, refreshed); err != nil {
			return "", err
		}
	}
	return refreshed.AccessToken, nil
}

func (c *OAuthCredential) needsRefresh(buffer time.Duration) bool {
	if c.Token.Expiry.IsZero() {
		return false
	}
	return time.Until(c.Token.Expiry) < buffer
}

var errNoToken = errors.New("provider: oauth credential has no token")
