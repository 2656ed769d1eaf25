// Package google implements the OAuth2 client side of the Business Profile
// connection: consent URL construction, code exchange, token refresh and
// disconnect. Token material is held by the encrypted token store only.
package google

import (
	"errors"
	"os"
	"time"
)

// Sentinel errors for the token/connection lifecycle.
var (
	ErrNoConfig       = errors.New("google OAuth client credentials are not configured")
	ErrNoTokens       = errors.New("no Google tokens stored for this business")
	ErrNoRefreshToken = errors.New("no refresh token stored for this business")
	ErrInvalidState   = errors.New("OAuth state verification failed")
)

// Scopes required for managing Business Profile data.
var Scopes = []string{
	"https://www.googleapis.com/auth/business.manage",
}

// ExpiryMargin is the safety margin before the real expiry at which a token
// is already treated as expired.
const ExpiryMargin = 300 * time.Second

// Credentials holds the OAuth client id/secret pair. Absence of either
// disables the OAuth client entirely.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// CredentialsFromEnv reads GMB_CLIENT_ID / GMB_CLIENT_SECRET.
func CredentialsFromEnv() Credentials {
	return Credentials{
		ClientID:     os.Getenv("GMB_CLIENT_ID"),
		ClientSecret: os.Getenv("GMB_CLIENT_SECRET"),
	}
}

// Enabled reports whether both halves of the credential pair are present.
func (c Credentials) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}
