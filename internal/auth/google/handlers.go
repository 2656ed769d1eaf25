package google

import (
	"errors"
	"fmt"
	"net/http"
)

// callbackURL reconstructs this service's OAuth callback URL from the request.
func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/google/callback", scheme, r.Host)
}

// HandleConnect initiates the Google OAuth flow for a business by redirecting
// to the consent page.
func (s *Service) HandleConnect(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		http.Error(w, "business_id is required", http.StatusBadRequest)
		return
	}

	url, err := s.AuthorizationURL(businessID, callbackURL(r))
	if err != nil {
		if errors.Is(err, ErrNoConfig) {
			http.Error(w, "Google OAuth is unavailable: client credentials are not configured", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from Google.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	actor := r.Header.Get("X-Forwarded-User")
	if actor == "" {
		actor = r.RemoteAddr
	}

	businessID, err := s.ExchangeCode(r.Context(), code, state, callbackURL(r), actor)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Google Connected</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; }
		.success { color: #4ade80; }
		code { background: #374151; padding: 2px 6px; border-radius: 4px; color: #fbbf24; }
	</style>
</head>
<body>
	<h1 class="success">✅ Google Account Connected</h1>
	<p><strong>Business:</strong> <code>%s</code></p>
	<p>The first synchronization will be scheduled shortly.</p>
</body>
</html>`, businessID)
}
