package gmb

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the engine and transport.
var (
	// ErrSyncInProgress means another sync holds the business's lock.
	ErrSyncInProgress = errors.New("a sync is already in progress for this business")
	// ErrLocalRateLimit means the local limiter rejected the call before any
	// network I/O.
	ErrLocalRateLimit = errors.New("local rate limit reached")
)

// RateLimitError is an upstream 429 / RESOURCE_EXHAUSTED response. Never
// retried inline; it converts directly into a cooldown.
type RateLimitError struct {
	// RetryAfter is the provider's suggested wait, zero when absent.
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("Google API rate limit exceeded, retry after %s: %s", e.RetryAfter, e.Message)
	}
	return "Google API rate limit exceeded: " + e.Message
}

// PermissionError is an upstream 403. Never retried.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("Google API permission denied: %s (check that the Business Profile APIs are enabled for your project)", e.Message)
}

// ServerError is an upstream 5xx, surfaced after the retry budget.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("Google API server error %d: %s", e.StatusCode, e.Message)
}

// APIError is any other upstream 4xx. Never retried.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Google API error %d: %s", e.StatusCode, e.Message)
}

// DeferredError tells the caller the refresh was blocked by a cooldown or
// rate limit and when to try again.
type DeferredError struct {
	WaitMinutes int
	NextRetry   time.Time
	Reason      string
}

func (e *DeferredError) Error() string {
	if e.WaitMinutes == 1 {
		return fmt.Sprintf("refresh blocked (%s), try again in 1 minute", e.Reason)
	}
	return fmt.Sprintf("refresh blocked (%s), try again in %d minutes", e.Reason, e.WaitMinutes)
}
