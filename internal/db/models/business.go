package models

import "time"

// Business is the local tenant owning one Google Business Profile connection.
// Snapshot payloads are stored as opaque JSON blobs; the sync engine owns
// their shape. Token material lives only in TokenCiphertext (AES-GCM,
// nonce-prefixed, base64) and is never copied into snapshot or log columns.
type Business struct {
	ID   string `gorm:"primaryKey"` // UUID
	Name string

	// Connection state
	GoogleConnected   bool `gorm:"default:false"`
	GoogleConnectedAt *time.Time
	GoogleConnectedBy string
	GoogleEmail       string

	// Encrypted OAuth tokens + single-use anti-forgery nonce
	TokenCiphertext string
	OAuthStateNonce string `gorm:"column:oauth_state_nonce"`

	// Cooldown state
	LastManualRefresh        *time.Time
	LastRateLimitHit         *time.Time
	PostConnectCooldownUntil *time.Time
	NextScheduledRefresh     *time.Time

	// Snapshot of the most recent successful sync
	AccountsJSON       string
	LocationsJSON      string
	SyncErrorsJSON     string
	AccountsFetchedAt  *time.Time
	LocationsFetchedAt *time.Time
	AccountCount       int
	LocationCount      int
	PrimaryAccountName string

	CreatedAt time.Time
	UpdatedAt time.Time
}
