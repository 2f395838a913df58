// Package auth owns the OAuth token lifecycle of the cloud store sink:
// interactive authorization when no token is stored, refresh on expiry, and a
// single bounded retry of the dependent operation.
package auth

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// DriveScope grants access to files created by the application only.
const DriveScope = "https://www.googleapis.com/auth/drive.file"

// DefaultRevokeURL is Google's token revocation endpoint.
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// ErrNotLoggedIn is returned when no token is stored and interactive
// authorization is not available.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// Info is the persisted authorization state.
type Info struct {
	Token *oauth2.Token `json:"token"`
	// RevocableToken is the token handed to the revocation endpoint on
	// logout. Revoking it ends the whole grant.
	RevocableToken string `json:"revocable_token,omitempty"`
}

// newInfo wraps a freshly authorized token.
func newInfo(tok *oauth2.Token) *Info {
	revocable := tok.RefreshToken
	if revocable == "" {
		revocable = tok.AccessToken
	}

	return &Info{Token: tok, RevocableToken: revocable}
}

// Store persists Info between process lifetimes. Load returns (nil, nil)
// when nothing is stored.
type Store interface {
	Load(ctx context.Context) (*Info, error)
	Save(ctx context.Context, info *Info) error
	Remove(ctx context.Context) error
}

// Authorizer runs an interactive authorization flow and returns the token
// obtained for cfg.
type Authorizer interface {
	Authorize(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error)
}

// GoogleConfig builds the OAuth client configuration for Google Drive.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{DriveScope},
		Endpoint:     endpoints.Google,
	}
}
