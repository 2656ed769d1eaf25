// Package logging provides sync-run id context propagation so every log line
// of one refresh can be correlated.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const runIDKey contextKey = "syncRunId"

// GenerateRunID creates an 8-character hex run ID.
func GenerateRunID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRunID injects a sync-run ID into the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID retrieves the sync-run ID from the context.
// Returns empty string if not found.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}
