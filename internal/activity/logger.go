// Package activity keeps a capped, per-business event log for post-hoc
// diagnosis of sync runs. Writes are best-effort: a failing log write never
// aborts the operation that produced it.
package activity

import (
	"encoding/json"
	"log"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"gorm.io/gorm"
)

// Log levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// MaxEntries is the per-business cap; the oldest entries are dropped.
const MaxEntries = 50

// Logger appends structured events to a business's activity log.
type Logger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLogger creates an activity logger over the given database.
func NewLogger(db *gorm.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

// Log records one event. Errors are swallowed after a process-log warning.
func (l *Logger) Log(businessID, level, message string, data map[string]any) {
	entry := models.ActivityEntry{
		BusinessID: businessID,
		Level:      level,
		Message:    message,
		CreatedAt:  l.now(),
	}
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err == nil {
			entry.DataJSON = string(raw)
		}
	}

	if err := l.db.Create(&entry).Error; err != nil {
		log.Printf("⚠️ Failed to write activity log for %s: %v", businessID, err)
		return
	}

	l.truncate(businessID)
}

// truncate drops everything older than the newest MaxEntries entries.
func (l *Logger) truncate(businessID string) {
	var keep []uint
	l.db.Model(&models.ActivityEntry{}).
		Where("business_id = ?", businessID).
		Order("created_at DESC, id DESC").
		Limit(MaxEntries).
		Pluck("id", &keep)
	if len(keep) < MaxEntries {
		return
	}

	if err := l.db.Where("business_id = ? AND id NOT IN ?", businessID, keep).
		Delete(&models.ActivityEntry{}).Error; err != nil {
		log.Printf("⚠️ Failed to truncate activity log for %s: %v", businessID, err)
	}
}

// Logs returns entries most-recent-first. A limit <= 0 returns all.
func (l *Logger) Logs(businessID string, limit int) []models.ActivityEntry {
	var entries []models.ActivityEntry
	q := l.db.Where("business_id = ?", businessID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	q.Find(&entries)
	return entries
}

// Clear removes all entries for the business.
func (l *Logger) Clear(businessID string) {
	l.db.Where("business_id = ?", businessID).Delete(&models.ActivityEntry{})
}
