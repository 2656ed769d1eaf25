package gmb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/activity"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
)

// ScheduleDeferredRefresh arms a one-shot retry for the business after the
// given delay. When a pending retry already exists and would fire earlier,
// it is kept and its time returned; otherwise the new time replaces it.
func (e *Engine) ScheduleDeferredRefresh(businessID string, delay time.Duration, reason string) time.Time {
	if delay < time.Second {
		delay = time.Second
	}

	now := e.now()
	candidate := now.Add(delay)

	var b models.Business
	if err := e.db.First(&b, "id = ?", businessID).Error; err != nil {
		return time.Time{}
	}
	if b.NextScheduledRefresh != nil && b.NextScheduledRefresh.After(now) &&
		!b.NextScheduledRefresh.After(candidate) {
		return *b.NextScheduledRefresh
	}

	e.db.Model(&models.Business{}).Where("id = ?", businessID).
		Update("next_scheduled_refresh", candidate)
	e.armTimer(businessID, delay)

	e.activity.Log(businessID, activity.LevelInfo,
		fmt.Sprintf("Deferred refresh scheduled: %s", reason),
		map[string]any{"next_retry": candidate})
	log.Printf("⏰ Deferred refresh for business %s scheduled at %s (%s)",
		businessID, candidate.Format(time.RFC3339), reason)

	return candidate
}

// armTimer replaces any pending in-process timer for the business.
func (e *Engine) armTimer(businessID string, delay time.Duration) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	if t, ok := e.timers[businessID]; ok {
		t.Stop()
	}
	e.timers[businessID] = time.AfterFunc(delay, func() {
		e.RunScheduled(context.Background(), businessID)
	})
}

// RunScheduled is the deferred-retry entry point, driven by the in-process
// timer and by an external cron hitting the ops API. It revalidates the
// connection, bails out silently when a sync is already running, reschedules
// when a cooldown still blocks, and otherwise runs a forced refresh.
func (e *Engine) RunScheduled(ctx context.Context, businessID string) {
	var b models.Business
	if err := e.db.First(&b, "id = ?", businessID).Error; err != nil {
		return
	}

	// The stored schedule is consumed whether or not the run proceeds.
	e.db.Model(&models.Business{}).Where("id = ?", businessID).
		Update("next_scheduled_refresh", nil)

	if !b.GoogleConnected {
		log.Printf("⏭️ Skipping scheduled refresh for business %s: no longer connected", businessID)
		return
	}

	if !e.locks.Acquire(businessID, e.policy.LockTTL) {
		// A live sync covers the deferred one's purpose.
		return
	}
	defer e.locks.Release(businessID)

	if wait, reason := e.remainingCooldown(&b); wait > 0 {
		e.ScheduleDeferredRefresh(businessID, wait, reason)
		return
	}

	if _, err := e.refreshLocked(ctx, businessID); err != nil {
		log.Printf("⚠️ Scheduled refresh for business %s failed: %v", businessID, err)
	}
}

// RestoreSchedules re-arms in-process timers for retries persisted before a
// restart. Past-due schedules fire shortly after boot.
func (e *Engine) RestoreSchedules() int {
	var pending []models.Business
	if err := e.db.Where("next_scheduled_refresh IS NOT NULL").Find(&pending).Error; err != nil {
		log.Printf("⚠️ Failed to restore deferred refresh schedules: %v", err)
		return 0
	}

	now := e.now()
	for _, b := range pending {
		delay := b.NextScheduledRefresh.Sub(now)
		if delay < time.Second {
			delay = time.Second
		}
		e.armTimer(b.ID, delay)
	}

	if len(pending) > 0 {
		log.Printf("⏰ Restored %d deferred refresh schedule(s)", len(pending))
	}
	return len(pending)
}

// Stop cancels all pending in-process timers.
func (e *Engine) Stop() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
