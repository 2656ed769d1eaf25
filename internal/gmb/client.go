package gmb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/ratelimit"
	"github.com/loyaltyops/gmb-sync/internal/util"
	"github.com/loyaltyops/gmb-sync/internal/version"
)

// Business Profile API bases. Overridable per client for tests.
const (
	DefaultAccountsBaseURL      = "https://mybusinessaccountmanagement.googleapis.com/v1"
	DefaultLocationsBaseURL     = "https://mybusinessbusinessinformation.googleapis.com/v1"
	DefaultVerificationsBaseURL = "https://mybusinessverifications.googleapis.com/v1"
)

// locationReadMask enumerates the location fields requested from upstream.
const locationReadMask = "name,title,storeCode,categories,storefrontAddress,phoneNumbers,websiteUri,regularHours,latlng,metadata"

// pageSize is the upstream page size for account and location listings.
const pageSize = 100

// Client handles authenticated communication with the Business Profile APIs.
// Every call passes the local rate limiter first; 5xx responses are retried
// once with exponential backoff, 429s are never retried.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *ratelimit.Cache

	maxRetries int
	retryDelay time.Duration
	sleep      func(time.Duration)

	accountsBase      string
	locationsBase     string
	verificationsBase string
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURLs points all three APIs at one alternative base, for tests and
// proxy setups.
func WithBaseURLs(base string) Option {
	return func(c *Client) {
		c.accountsBase = base
		c.locationsBase = base
		c.verificationsBase = base
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates an API client over the shared limiter and cache.
func NewClient(limiter *ratelimit.Limiter, cache *ratelimit.Cache, opts ...Option) *Client {
	c := &Client{
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		limiter:           limiter,
		cache:             cache,
		maxRetries:        1,
		retryDelay:        DefaultInterCallDelay,
		sleep:             time.Sleep,
		accountsBase:      DefaultAccountsBaseURL,
		locationsBase:     DefaultLocationsBaseURL,
		verificationsBase: DefaultVerificationsBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiErrorBody is the standard Google error envelope, including the
// RetryInfo detail carried by RESOURCE_EXHAUSTED responses.
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Domain     string            `json:"domain"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// get performs a rate-limited, authenticated GET and returns the body.
func (c *Client) get(ctx context.Context, businessID, accessToken, rawURL string, query url.Values) ([]byte, error) {
	key := ratelimit.RequestKey(businessID, http.MethodGet, rawURL, nil, query)
	if !c.limiter.Allow(key) {
		wait := c.limiter.WaitSeconds(key)
		return nil, fmt.Errorf("%w: next slot in %ds", ErrLocalRateLimit, wait)
	}

	fullURL := rawURL
	if len(query) > 0 {
		fullURL = rawURL + "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * c.retryDelay
			log.Printf("⚠️ Retrying %s after server error (backoff %s)", rawURL, backoff)
			c.sleep(backoff)
		}

		body, retry, err := c.doOnce(ctx, fullURL, accessToken)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	return nil, lastErr
}

// doOnce performs a single request. The second return value reports whether
// the failure is retriable (network error or 5xx).
func (c *Client) doOnce(ctx context.Context, fullURL, accessToken string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gmb-sync/"+version.Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, false, nil
	}
	log.Printf("⚠️ Upstream error %d from %s: %s", resp.StatusCode, fullURL, util.TruncateBytes(body))
	return nil, resp.StatusCode >= 500, classifyError(resp, body)
}

// classifyError maps a non-200 response onto the error taxonomy.
func classifyError(resp *http.Response, body []byte) error {
	var envelope apiErrorBody
	_ = json.Unmarshal(body, &envelope)
	message := envelope.Error.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		envelope.Error.Status == "RESOURCE_EXHAUSTED":
		return &RateLimitError{
			RetryAfter: parseRetryDelay(resp.Header, &envelope),
			Message:    message,
		}
	case resp.StatusCode == http.StatusForbidden:
		return &PermissionError{Message: message}
	case resp.StatusCode >= 500:
		return &ServerError{StatusCode: resp.StatusCode, Message: message}
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
}

// parseRetryDelay extracts a retry duration from a rate-limited response.
// It checks the standard Retry-After header first, then the RetryInfo
// details of the JSON error body. Returns 0 if no retry information exists.
func parseRetryDelay(header http.Header, envelope *apiErrorBody) time.Duration {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		// Try seconds
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		// Try HTTP date
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	for _, detail := range envelope.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}

	return 0
}

// cachedGet is get with a read-through response cache.
func (c *Client) cachedGet(ctx context.Context, businessID, accessToken, rawURL string, query url.Values, ttl time.Duration) ([]byte, error) {
	key := ratelimit.RequestKey(businessID, http.MethodGet, rawURL, nil, query)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	body, err := c.get(ctx, businessID, accessToken, rawURL, query)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, body, ttl)
	return body, nil
}

// accountsPage is one page of the accounts listing.
type accountsPage struct {
	Accounts      []ExternalAccount `json:"accounts"`
	NextPageToken string            `json:"nextPageToken"`
}

// ListAccountsPage fetches one page of Business Profile accounts.
func (c *Client) ListAccountsPage(ctx context.Context, businessID, accessToken, pageToken string) (*accountsPage, error) {
	query := url.Values{"pageSize": {strconv.Itoa(pageSize)}}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	body, err := c.get(ctx, businessID, accessToken, c.accountsBase+"/accounts", query)
	if err != nil {
		return nil, err
	}

	var page accountsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode accounts page: %w", err)
	}
	return &page, nil
}

// locationsPage is one page of an account's location listing.
type locationsPage struct {
	Locations     []ExternalLocation `json:"locations"`
	NextPageToken string             `json:"nextPageToken"`
}

// ListLocationsPage fetches one page of locations for an external account
// (resource name "accounts/{id}").
func (c *Client) ListLocationsPage(ctx context.Context, businessID, accessToken, accountName, pageToken string) (*locationsPage, error) {
	query := url.Values{
		"pageSize": {strconv.Itoa(pageSize)},
		"readMask": {locationReadMask},
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	body, err := c.get(ctx, businessID, accessToken, c.locationsBase+"/"+accountName+"/locations", query)
	if err != nil {
		return nil, err
	}

	var page locationsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode locations page: %w", err)
	}
	return &page, nil
}

// verificationsResponse is the verifications listing for one location.
type verificationsResponse struct {
	Verifications []map[string]any `json:"verifications"`
}

// ListVerifications fetches the verification records for a location id,
// read-through cached so repeated syncs don't re-pay the quota.
func (c *Client) ListVerifications(ctx context.Context, businessID, accessToken, locationID string) ([]map[string]any, error) {
	body, err := c.cachedGet(ctx, businessID, accessToken,
		c.verificationsBase+"/locations/"+locationID+"/verifications", nil, ratelimit.DefaultTTL)
	if err != nil {
		return nil, err
	}

	var out verificationsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode verifications: %w", err)
	}
	return out.Verifications, nil
}
