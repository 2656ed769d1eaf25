package models

import "time"

// ActivityEntry is one event in a business's activity log. The logger caps
// the log at 50 entries per business, dropping the oldest.
type ActivityEntry struct {
	ID         uint   `gorm:"primaryKey"`
	BusinessID string `gorm:"index"`
	Level      string // info, success, warning, error
	Message    string
	DataJSON   string
	CreatedAt  time.Time
}
