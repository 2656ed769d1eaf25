package google

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loyaltyops/gmb-sync/internal/activity"
	"github.com/loyaltyops/gmb-sync/internal/auth/tokens"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"github.com/loyaltyops/gmb-sync/internal/util"
	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
	"gorm.io/gorm"
)

// DefaultPostConnectCooldown spaces the first sync away from the moment of
// connection so a fresh consent doesn't immediately burn upstream quota.
const DefaultPostConnectCooldown = 5 * time.Minute

// Service owns the OAuth lifecycle for business connections.
type Service struct {
	db       *gorm.DB
	tokens   *tokens.Store
	creds    Credentials
	activity *activity.Logger

	postConnectCooldown time.Duration
	endpoint            oauth2.Endpoint
	now                 func() time.Time
}

// NewService wires the OAuth client with its collaborators.
func NewService(db *gorm.DB, store *tokens.Store, creds Credentials, logger *activity.Logger) *Service {
	return &Service{
		db:                  db,
		tokens:              store,
		creds:               creds,
		activity:            logger,
		postConnectCooldown: DefaultPostConnectCooldown,
		endpoint:            googleOAuth.Endpoint,
		now:                 time.Now,
	}
}

// oauthConfig builds the OAuth2 config for a given callback URL.
func (s *Service) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     s.endpoint,
	}
}

// Enabled reports whether OAuth credentials are configured.
func (s *Service) Enabled() bool {
	return s.creds.Enabled()
}

// AuthorizationURL builds the provider consent URL for a business. The state
// parameter carries a single-use anti-forgery nonce plus the business id
// ("nonce|business_id"); the nonce is persisted for callback verification.
func (s *Service) AuthorizationURL(businessID, redirectURL string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoConfig
	}

	var business models.Business
	if err := s.db.First(&business, "id = ?", businessID).Error; err != nil {
		return "", fmt.Errorf("business not found: %s", businessID)
	}

	nonce := uuid.New().String()
	if err := s.db.Model(&models.Business{}).Where("id = ?", businessID).
		Update("oauth_state_nonce", nonce).Error; err != nil {
		return "", err
	}

	// prompt=consent forces re-consent so Google issues a refresh token even
	// for accounts that granted access before.
	state := nonce + "|" + businessID
	url := s.oauthConfig(redirectURL).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	return url, nil
}

// parseState splits the opaque state parameter back into nonce and business id.
func parseState(state string) (nonce, businessID string, err error) {
	parts := strings.SplitN(state, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidState
	}
	return parts[0], parts[1], nil
}

// ExchangeCode posts the authorization code to the token endpoint, stores the
// resulting tokens and marks the business connected. Any failure leaves the
// business in its prior state.
func (s *Service) ExchangeCode(ctx context.Context, code, state, redirectURL, actor string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoConfig
	}

	nonce, businessID, err := parseState(state)
	if err != nil {
		return "", err
	}

	var business models.Business
	if err := s.db.First(&business, "id = ?", businessID).Error; err != nil {
		return "", ErrInvalidState
	}
	if business.OAuthStateNonce == "" || business.OAuthStateNonce != nonce {
		return "", ErrInvalidState
	}

	token, err := s.oauthConfig(redirectURL).Exchange(ctx, code)
	if err != nil {
		s.activity.Log(businessID, activity.LevelError, "Google OAuth code exchange failed", map[string]any{"error": err.Error()})
		return "", fmt.Errorf("token exchange failed: %w", err)
	}

	ts := &tokens.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		Scope:        strings.Join(Scopes, " "),
	}
	if err := s.tokens.Save(businessID, ts); err != nil {
		return "", err
	}

	now := s.now()
	cooldownUntil := now.Add(s.postConnectCooldown)
	updates := map[string]any{
		"google_connected":            true,
		"google_connected_at":         now,
		"google_connected_by":         actor,
		"oauth_state_nonce":           "",
		"post_connect_cooldown_until": cooldownUntil,
	}
	if err := s.db.Model(&models.Business{}).Where("id = ?", businessID).
		Updates(updates).Error; err != nil {
		return "", err
	}

	s.activity.Log(businessID, activity.LevelSuccess, "Google account connected", map[string]any{
		"connected_by": actor,
	})
	log.Printf("✅ Business %s connected to Google (token %s)", businessID, util.MaskToken(token.AccessToken))
	return businessID, nil
}

// Refresh exchanges the stored refresh token for a new access token. The
// existing refresh token is preserved when upstream does not return a new one.
func (s *Service) Refresh(ctx context.Context, businessID string) (*tokens.TokenSet, error) {
	if !s.Enabled() {
		return nil, ErrNoConfig
	}

	current, ok := s.tokens.Get(businessID)
	if !ok {
		return nil, ErrNoTokens
	}
	if current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	source := s.oauthConfig("").TokenSource(ctx, &oauth2.Token{
		RefreshToken: current.RefreshToken,
	})
	newToken, err := source.Token()
	if err != nil {
		s.activity.Log(businessID, activity.LevelError, "Google token refresh failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	updated := &tokens.TokenSet{
		AccessToken:  newToken.AccessToken,
		RefreshToken: current.RefreshToken,
		Expiry:       newToken.Expiry,
		Scope:        current.Scope,
	}
	// Persist rotated refresh token if provided (RFC 6749 compliance)
	if newToken.RefreshToken != "" && newToken.RefreshToken != current.RefreshToken {
		log.Printf("🔄 Rotating refresh token for business %s", businessID)
		updated.RefreshToken = newToken.RefreshToken
	}

	if err := s.tokens.Save(businessID, updated); err != nil {
		return nil, err
	}
	log.Printf("✅ Refreshed token for business %s (expires: %s)", businessID, newToken.Expiry.Format(time.RFC3339))
	return updated, nil
}

// IsExpired reports whether the stored access token is missing or inside the
// 5-minute safety margin before its real expiry.
func (s *Service) IsExpired(businessID string) bool {
	ts, ok := s.tokens.Get(businessID)
	if !ok {
		return true
	}
	return ts.Expiry.Sub(s.now()) < ExpiryMargin
}

// Token returns a valid access token for the business, refreshing first when
// the stored one is expired or expiring.
func (s *Service) Token(ctx context.Context, businessID string) (string, error) {
	ts, ok := s.tokens.Get(businessID)
	if !ok {
		return "", ErrNoTokens
	}
	if ts.Expiry.Sub(s.now()) < ExpiryMargin {
		refreshed, err := s.Refresh(ctx, businessID)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	}
	return ts.AccessToken, nil
}

// Disconnect deletes tokens, connection metadata and the cached snapshot in
// one transaction. Cooldown counters are preserved so reconnecting cannot be
// used to dodge an active rate-limit cooldown. Idempotent.
func (s *Service) Disconnect(businessID string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"token_ciphertext":     "",
			"oauth_state_nonce":    "",
			"google_connected":     false,
			"google_connected_at":  nil,
			"google_connected_by":  "",
			"google_email":         "",
			"accounts_json":        "",
			"locations_json":       "",
			"sync_errors_json":     "",
			"accounts_fetched_at":  nil,
			"locations_fetched_at": nil,
			"account_count":        0,
			"location_count":       0,
			"primary_account_name": "",
		}
		return tx.Model(&models.Business{}).Where("id = ?", businessID).
			Updates(updates).Error
	})
	if err != nil {
		return err
	}

	s.activity.Log(businessID, activity.LevelInfo, "Google account disconnected", nil)
	return nil
}
