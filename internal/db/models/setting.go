package models

import "time"

// Setting stores installation-level configuration like the token
// encryption key.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
