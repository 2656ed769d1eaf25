package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/activity"
	"github.com/loyaltyops/gmb-sync/internal/auth/tokens"
	"github.com/loyaltyops/gmb-sync/internal/db"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const testBusinessID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

func newTestService(t *testing.T) (*Service, *gorm.DB, *tokens.Store) {
	t.Helper()

	gdb, err := db.InitDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if err := gdb.Create(&models.Business{ID: testBusinessID, Name: "Test Cafe"}).Error; err != nil {
		t.Fatalf("create business: %v", err)
	}

	store, err := tokens.NewStore(gdb)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	creds := Credentials{ClientID: "client-id", ClientSecret: "client-secret"}
	svc := NewService(gdb, store, creds, activity.NewLogger(gdb))
	return svc, gdb, store
}

// fakeTokenEndpoint wires the service against a local token endpoint.
func fakeTokenEndpoint(t *testing.T, svc *Service, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc.endpoint = oauth2.Endpoint{
		AuthURL:  srv.URL + "/auth",
		TokenURL: srv.URL + "/token",
	}
}

func TestAuthorizationURL(t *testing.T) {
	svc, gdb, _ := newTestService(t)

	rawURL, err := svc.AuthorizationURL(testBusinessID, "https://example.com/callback")
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := parsed.Query()

	if q.Get("access_type") != "offline" {
		t.Fatal("consent URL must request offline access")
	}
	if q.Get("prompt") != "consent" {
		t.Fatal("consent URL must force re-consent so a refresh token is issued")
	}
	if q.Get("scope") != Scopes[0] {
		t.Fatalf("scope = %q, want %q", q.Get("scope"), Scopes[0])
	}

	nonce, businessID, err := parseState(q.Get("state"))
	if err != nil {
		t.Fatalf("parse state: %v", err)
	}
	if businessID != testBusinessID {
		t.Fatalf("state business id = %q", businessID)
	}

	var b models.Business
	gdb.First(&b, "id = ?", testBusinessID)
	if b.OAuthStateNonce == "" || b.OAuthStateNonce != nonce {
		t.Fatalf("persisted nonce %q does not match state nonce %q", b.OAuthStateNonce, nonce)
	}
}

func TestAuthorizationURLWithoutCredentials(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.creds = Credentials{}

	if _, err := svc.AuthorizationURL(testBusinessID, "https://example.com/callback"); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("expected ErrNoConfig, got %v", err)
	}
}

func TestExchangeCode(t *testing.T) {
	svc, gdb, store := newTestService(t)
	fakeTokenEndpoint(t, svc, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","token_type":"Bearer","expires_in":3600,"refresh_token":"new-refresh"}`)
	})

	rawURL, err := svc.AuthorizationURL(testBusinessID, "https://example.com/callback")
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	state := mustQueryParam(t, rawURL, "state")

	before := time.Now()
	businessID, err := svc.ExchangeCode(context.Background(), "auth-code", state, "https://example.com/callback", "admin@example.com")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if businessID != testBusinessID {
		t.Fatalf("returned business id = %q", businessID)
	}

	ts, ok := store.Get(testBusinessID)
	if !ok {
		t.Fatal("tokens should be stored after the exchange")
	}
	if ts.AccessToken != "new-access" || ts.RefreshToken != "new-refresh" {
		t.Fatalf("stored tokens = %+v", ts)
	}

	var b models.Business
	gdb.First(&b, "id = ?", testBusinessID)
	if !b.GoogleConnected || b.GoogleConnectedAt == nil {
		t.Fatal("business should be marked connected")
	}
	if b.GoogleConnectedBy != "admin@example.com" {
		t.Fatalf("connected by = %q", b.GoogleConnectedBy)
	}
	if b.OAuthStateNonce != "" {
		t.Fatal("the state nonce is single-use and must be cleared")
	}
	if b.PostConnectCooldownUntil == nil || b.PostConnectCooldownUntil.Before(before.Add(DefaultPostConnectCooldown-time.Minute)) {
		t.Fatalf("post-connect cooldown = %v, want about +%s", b.PostConnectCooldownUntil, DefaultPostConnectCooldown)
	}
}

func TestExchangeCodeRejectsBadState(t *testing.T) {
	svc, _, _ := newTestService(t)
	fakeTokenEndpoint(t, svc, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be reached with a bad state")
	})

	if _, err := svc.AuthorizationURL(testBusinessID, "https://example.com/callback"); err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}

	cases := []string{
		"",
		"missing-separator",
		"|" + testBusinessID,
		"wrong-nonce|" + testBusinessID,
		"wrong-nonce|00000000-0000-0000-0000-000000000000",
	}
	for _, state := range cases {
		_, err := svc.ExchangeCode(context.Background(), "auth-code", state, "https://example.com/callback", "admin")
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("state %q: expected ErrInvalidState, got %v", state, err)
		}
	}
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	svc, _, store := newTestService(t)
	fakeTokenEndpoint(t, svc, func(w http.ResponseWriter, r *http.Request) {
		// Google usually omits refresh_token on refresh responses.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"rotated-access","token_type":"Bearer","expires_in":3600}`)
	})

	if err := store.Save(testBusinessID, &tokens.TokenSet{
		AccessToken:  "old-access",
		RefreshToken: "long-lived-refresh",
		Expiry:       time.Now().Add(-time.Minute),
		Scope:        Scopes[0],
	}); err != nil {
		t.Fatalf("save tokens: %v", err)
	}

	updated, err := svc.Refresh(context.Background(), testBusinessID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated.AccessToken != "rotated-access" {
		t.Fatalf("access token = %q", updated.AccessToken)
	}
	if updated.RefreshToken != "long-lived-refresh" {
		t.Fatalf("refresh token = %q, want the stored one preserved", updated.RefreshToken)
	}

	stored, _ := store.Get(testBusinessID)
	if stored.RefreshToken != "long-lived-refresh" {
		t.Fatal("the preserved refresh token should be persisted")
	}
}

func TestRefreshRotatesRefreshTokenWhenProvided(t *testing.T) {
	svc, _, store := newTestService(t)
	fakeTokenEndpoint(t, svc, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"rotated-access","token_type":"Bearer","expires_in":3600,"refresh_token":"rotated-refresh"}`)
	})

	store.Save(testBusinessID, &tokens.TokenSet{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		Expiry:       time.Now().Add(-time.Minute),
	})

	updated, err := svc.Refresh(context.Background(), testBusinessID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated.RefreshToken != "rotated-refresh" {
		t.Fatalf("refresh token = %q, want the rotated one", updated.RefreshToken)
	}
}

func TestRefreshWithoutTokens(t *testing.T) {
	svc, _, store := newTestService(t)

	if _, err := svc.Refresh(context.Background(), testBusinessID); !errors.Is(err, ErrNoTokens) {
		t.Fatalf("expected ErrNoTokens, got %v", err)
	}

	store.Save(testBusinessID, &tokens.TokenSet{
		AccessToken: "access-only",
		Expiry:      time.Now().Add(time.Hour),
	})
	if _, err := svc.Refresh(context.Background(), testBusinessID); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestIsExpiredBoundaries(t *testing.T) {
	svc, _, store := newTestService(t)
	base := time.Now().Truncate(time.Second)
	svc.now = func() time.Time { return base }

	cases := []struct {
		name    string
		expiry  time.Time
		expired bool
	}{
		{"already past", base.Add(-time.Second), true},
		{"inside margin", base.Add(ExpiryMargin - time.Second), true},
		{"exactly at margin", base.Add(ExpiryMargin), false},
		{"outside margin", base.Add(ExpiryMargin + time.Second), false},
	}
	for _, tc := range cases {
		store.Save(testBusinessID, &tokens.TokenSet{
			AccessToken: "access",
			Expiry:      tc.expiry,
		})
		if got := svc.IsExpired(testBusinessID); got != tc.expired {
			t.Errorf("%s: IsExpired = %v, want %v", tc.name, got, tc.expired)
		}
	}
}

func TestIsExpiredWithoutTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	if !svc.IsExpired(testBusinessID) {
		t.Fatal("a business without tokens is always expired")
	}
}

func TestTokenRefreshesExpiringToken(t *testing.T) {
	svc, _, store := newTestService(t)
	fakeTokenEndpoint(t, svc, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600}`)
	})

	store.Save(testBusinessID, &tokens.TokenSet{
		AccessToken:  "stale-access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Minute), // inside the margin
	})

	token, err := svc.Token(context.Background(), testBusinessID)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "fresh-access" {
		t.Fatalf("token = %q, want the refreshed one", token)
	}
}

func TestTokenReturnsValidTokenWithoutRefresh(t *testing.T) {
	svc, _, store := newTestService(t)
	fakeTokenEndpoint(t, svc, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no refresh call expected for a valid token")
	})

	store.Save(testBusinessID, &tokens.TokenSet{
		AccessToken: "valid-access",
		Expiry:      time.Now().Add(time.Hour),
	})

	token, err := svc.Token(context.Background(), testBusinessID)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "valid-access" {
		t.Fatalf("token = %q", token)
	}
}

func TestDisconnectPreservesCooldowns(t *testing.T) {
	svc, gdb, store := newTestService(t)

	rateLimitHit := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	store.Save(testBusinessID, &tokens.TokenSet{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)})
	gdb.Model(&models.Business{}).Where("id = ?", testBusinessID).Updates(map[string]any{
		"google_connected":    true,
		"google_connected_by": "admin",
		"accounts_json":       `[{"name":"accounts/1"}]`,
		"locations_json":      `[{"name":"locations/1"}]`,
		"account_count":       1,
		"location_count":      1,
		"last_rate_limit_hit": rateLimitHit,
	})

	if err := svc.Disconnect(testBusinessID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if _, ok := store.Get(testBusinessID); ok {
		t.Fatal("tokens must be gone after disconnect")
	}

	var b models.Business
	gdb.First(&b, "id = ?", testBusinessID)
	if b.GoogleConnected || b.GoogleConnectedBy != "" {
		t.Fatal("connection metadata should be cleared")
	}
	if b.AccountsJSON != "" || b.LocationsJSON != "" || b.AccountCount != 0 || b.LocationCount != 0 {
		t.Fatal("the cached snapshot should be cleared")
	}
	if b.LastRateLimitHit == nil || !b.LastRateLimitHit.Equal(rateLimitHit) {
		t.Fatal("cooldown timestamps must survive a disconnect")
	}

	// Second disconnect is a no-op, not an error.
	if err := svc.Disconnect(testBusinessID); err != nil {
		t.Fatalf("repeated Disconnect: %v", err)
	}
}

func mustQueryParam(t *testing.T, rawURL, name string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	value := parsed.Query().Get(name)
	if value == "" {
		t.Fatalf("missing query parameter %q in %q", name, rawURL)
	}
	return value
}

func TestParseState(t *testing.T) {
	nonce, businessID, err := parseState("abc|biz-1")
	if err != nil || nonce != "abc" || businessID != "biz-1" {
		t.Fatalf("parseState = (%q, %q, %v)", nonce, businessID, err)
	}

	for _, bad := range []string{"", "no-separator", "|", "a|", "|b"} {
		if _, _, err := parseState(bad); err == nil {
			t.Errorf("parseState(%q) should fail", bad)
		}
	}
	if !strings.Contains(ErrInvalidState.Error(), "state") {
		t.Fatal("invalid state error should mention the state parameter")
	}
}
