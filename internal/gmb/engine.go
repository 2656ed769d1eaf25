// Package gmb implements Google Business Profile synchronization: the
// authenticated API transport, the sync engine with its cooldown and
// pagination policy, and the single-flight lock / deferred-retry coordinator.
package gmb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/activity"
	"github.com/loyaltyops/gmb-sync/internal/auth/google"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"github.com/loyaltyops/gmb-sync/internal/logging"
	"github.com/loyaltyops/gmb-sync/internal/ratelimit"
	"gorm.io/gorm"
)

// Policy defaults.
const (
	DefaultMinRefreshInterval = 60 * time.Minute
	DefaultInterCallDelay     = 5 * time.Second
	DefaultAccountPageCap     = 20
	DefaultLocationPageCap    = 50
)

// Policy holds the engine's cooldown and pagination knobs.
type Policy struct {
	// MinRefreshInterval spaces refresh starts and doubles as the cooldown
	// after a rate-limit hit.
	MinRefreshInterval time.Duration
	// InterCallDelay precedes every paginated call.
	InterCallDelay time.Duration
	// InterAccountDelay precedes iteration to the next external account.
	InterAccountDelay time.Duration
	LockTTL           time.Duration
	// Hard safety caps preventing infinite pagination loops.
	AccountPageCap  int
	LocationPageCap int
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinRefreshInterval: DefaultMinRefreshInterval,
		InterCallDelay:     DefaultInterCallDelay,
		InterAccountDelay:  2 * DefaultInterCallDelay,
		LockTTL:            DefaultLockTTL,
		AccountPageCap:     DefaultAccountPageCap,
		LocationPageCap:    DefaultLocationPageCap,
	}
}

// Engine orchestrates authenticated fetches, cooldown policy, snapshot
// persistence and deferred retries for one upstream connection per business.
type Engine struct {
	db       *gorm.DB
	oauth    *google.Service
	client   *Client
	activity *activity.Logger
	locks    *LockTable
	policy   Policy

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	now   func() time.Time
	sleep func(time.Duration)
}

// NewEngine wires the sync engine with its collaborators.
func NewEngine(db *gorm.DB, oauth *google.Service, client *Client, logger *activity.Logger, policy Policy) *Engine {
	return &Engine{
		db:       db,
		oauth:    oauth,
		client:   client,
		activity: logger,
		locks:    NewLockTable(),
		policy:   policy,
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Locks exposes the lock coordinator.
func (e *Engine) Locks() *LockTable {
	return e.locks
}

// remainingCooldown returns the longest remaining wait across the three
// blocking conditions, with the name of the dominant one. The three timers
// are deliberately independent; callers get the maximum.
func (e *Engine) remainingCooldown(b *models.Business) (time.Duration, string) {
	now := e.now()
	var wait time.Duration
	reason := ""

	if b.PostConnectCooldownUntil != nil {
		if d := b.PostConnectCooldownUntil.Sub(now); d > wait {
			wait, reason = d, "post-connect cooldown"
		}
	}
	if b.LastRateLimitHit != nil {
		if d := b.LastRateLimitHit.Add(e.policy.MinRefreshInterval).Sub(now); d > wait {
			wait, reason = d, "rate limit cooldown"
		}
	}
	if b.LastManualRefresh != nil {
		if d := b.LastManualRefresh.Add(e.policy.MinRefreshInterval).Sub(now); d > wait {
			wait, reason = d, "minimum refresh interval"
		}
	}
	return wait, reason
}

// CanRefreshNow reports whether a refresh may start for the business. A
// business that has never refreshed is always allowed.
func (e *Engine) CanRefreshNow(businessID string) bool {
	var b models.Business
	if err := e.db.First(&b, "id = ?", businessID).Error; err != nil {
		return false
	}
	wait, _ := e.remainingCooldown(&b)
	return wait <= 0
}

// MinutesUntilNextRefresh returns the whole minutes (rounded up) until the
// last blocking condition clears; 0 when none block.
func (e *Engine) MinutesUntilNextRefresh(businessID string) int {
	var b models.Business
	if err := e.db.First(&b, "id = ?", businessID).Error; err != nil {
		return 0
	}
	wait, _ := e.remainingCooldown(&b)
	return ceilMinutes(wait)
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// Refresh produces a consistent snapshot of accounts and locations for the
// business. With force=false a persisted snapshot younger than its TTL is
// returned without any network call. Cooldowns convert into a *DeferredError
// plus a scheduled retry; a concurrent sync surfaces ErrSyncInProgress.
func (e *Engine) Refresh(ctx context.Context, businessID string, force bool) (*Snapshot, error) {
	var b models.Business
	if err := e.db.First(&b, "id = ?", businessID).Error; err != nil {
		return nil, fmt.Errorf("business not found: %s", businessID)
	}

	if !force {
		if snap, ok := e.cachedSnapshot(&b); ok {
			log.Printf("📦 Returning cached snapshot for business %s", businessID)
			return snap, nil
		}
	}

	if !e.locks.Acquire(businessID, e.policy.LockTTL) {
		return nil, ErrSyncInProgress
	}
	defer e.locks.Release(businessID)

	return e.refreshLocked(ctx, businessID)
}

// cachedSnapshot returns the persisted snapshot when it is younger than the
// listing TTL.
func (e *Engine) cachedSnapshot(b *models.Business) (*Snapshot, bool) {
	if b.LocationsFetchedAt == nil || b.LocationsJSON == "" {
		return nil, false
	}
	if e.now().Sub(*b.LocationsFetchedAt) >= ratelimit.SnapshotTTL {
		return nil, false
	}
	snap := e.snapshotFromRow(b)
	snap.FromCache = true
	return snap, true
}

// snapshotFromRow decodes the persisted snapshot columns.
func (e *Engine) snapshotFromRow(b *models.Business) *Snapshot {
	snap := &Snapshot{
		AccountsFetchedAt:  b.AccountsFetchedAt,
		LocationsFetchedAt: b.LocationsFetchedAt,
	}
	if b.AccountsJSON != "" {
		_ = json.Unmarshal([]byte(b.AccountsJSON), &snap.Accounts)
	}
	if b.LocationsJSON != "" {
		_ = json.Unmarshal([]byte(b.LocationsJSON), &snap.Locations)
	}
	if b.SyncErrorsJSON != "" {
		_ = json.Unmarshal([]byte(b.SyncErrorsJSON), &snap.SyncErrors)
	}
	return snap
}

// refreshLocked runs the sync while the caller holds the business lock.
func (e *Engine) refreshLocked(ctx context.Context, businessID string) (*Snapshot, error) {
	runID := logging.GenerateRunID()
	ctx = logging.WithRunID(ctx, runID)

	var b models.Business
	if err := e.db.First(&b, "id = ?", businessID).Error; err != nil {
		return nil, fmt.Errorf("business not found: %s", businessID)
	}

	if wait, reason := e.remainingCooldown(&b); wait > 0 {
		next := e.ScheduleDeferredRefresh(businessID, wait, reason)
		minutes := ceilMinutes(wait)
		e.activity.Log(businessID, activity.LevelInfo,
			fmt.Sprintf("Refresh deferred: %s, retry in %d min", reason, minutes),
			map[string]any{"run_id": runID, "next_retry": next})
		return nil, &DeferredError{WaitMinutes: minutes, NextRetry: next, Reason: reason}
	}

	accessToken, err := e.oauth.Token(ctx, businessID)
	if err != nil {
		if !errors.Is(err, google.ErrNoTokens) {
			e.activity.Log(businessID, activity.LevelError, "Could not obtain access token", map[string]any{
				"run_id": runID, "error": err.Error(),
			})
		}
		return nil, err
	}

	start := e.now()
	e.db.Model(&models.Business{}).Where("id = ?", businessID).
		Update("last_manual_refresh", start)
	e.activity.Log(businessID, activity.LevelInfo, "Sync started", map[string]any{"run_id": runID})
	log.Printf("🔄 [%s] Sync started for business %s", runID, businessID)

	accounts, err := e.fetchAccounts(ctx, businessID, accessToken)
	if err != nil {
		return nil, e.failSync(businessID, runID, "Account listing failed", err)
	}
	accountsFetchedAt := e.now()
	e.persistAccounts(businessID, accounts, accountsFetchedAt)

	locations, syncErrors, rlErr := e.fetchAllLocations(ctx, businessID, accessToken, accounts)
	locationsFetchedAt := e.now()

	// Partial results are kept: whatever was collected before a failure is
	// persisted wholesale, with the collected errors alongside.
	if len(locations) > 0 {
		e.persistLocations(businessID, locations, syncErrors, locationsFetchedAt)
	}

	if rlErr != nil {
		return nil, e.deferForRateLimit(businessID, runID, rlErr)
	}

	if len(locations) == 0 {
		msg := strings.Join(syncErrors, "; ")
		if msg == "" {
			msg = "no locations found"
		}
		e.activity.Log(businessID, activity.LevelError, "Sync finished without locations: "+msg,
			map[string]any{"run_id": runID})
		return nil, errors.New(msg)
	}

	e.activity.Log(businessID, activity.LevelSuccess,
		fmt.Sprintf("Sync finished: %d accounts, %d locations", len(accounts), len(locations)),
		map[string]any{"run_id": runID, "errors": len(syncErrors)})
	log.Printf("✅ [%s] Sync finished for business %s: %d accounts, %d locations",
		runID, businessID, len(accounts), len(locations))

	return &Snapshot{
		Accounts:           accounts,
		Locations:          locations,
		AccountsFetchedAt:  &accountsFetchedAt,
		LocationsFetchedAt: &locationsFetchedAt,
		SyncErrors:         syncErrors,
	}, nil
}

// failSync records the failure and converts rate limits to deferred errors.
func (e *Engine) failSync(businessID, runID, context string, err error) error {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return e.deferForRateLimit(businessID, runID, rlErr)
	}

	e.activity.Log(businessID, activity.LevelError, context+": "+err.Error(),
		map[string]any{"run_id": runID})
	return err
}

// recordRateLimit stamps the cooldown the moment a 429 is detected so every
// subsequent CanRefreshNow call blocks.
func (e *Engine) recordRateLimit(businessID string) {
	e.db.Model(&models.Business{}).Where("id = ?", businessID).
		Update("last_rate_limit_hit", e.now())
}

// deferForRateLimit schedules the retry and builds the caller-facing wait.
func (e *Engine) deferForRateLimit(businessID, runID string, rlErr *RateLimitError) error {
	wait := e.policy.MinRefreshInterval
	if rlErr.RetryAfter > 0 {
		wait = rlErr.RetryAfter
	}
	next := e.ScheduleDeferredRefresh(businessID, wait, "rate limit cooldown")
	minutes := ceilMinutes(wait)

	e.activity.Log(businessID, activity.LevelWarning,
		fmt.Sprintf("Google API rate limit hit, retry in %d min", minutes),
		map[string]any{"run_id": runID, "next_retry": next})
	log.Printf("⚠️ [%s] Rate limit hit for business %s, retry in %d min", runID, businessID, minutes)

	return &DeferredError{WaitMinutes: minutes, NextRetry: next, Reason: "rate limit cooldown"}
}

// fetchAccounts pages through the accounts listing up to the safety cap.
func (e *Engine) fetchAccounts(ctx context.Context, businessID, accessToken string) ([]ExternalAccount, error) {
	var all []ExternalAccount
	pageToken := ""

	for page := 0; page < e.policy.AccountPageCap; page++ {
		e.sleep(e.policy.InterCallDelay)

		p, err := e.client.ListAccountsPage(ctx, businessID, accessToken, pageToken)
		if err != nil {
			var rlErr *RateLimitError
			if errors.As(err, &rlErr) {
				e.recordRateLimit(businessID)
			}
			return nil, err
		}

		all = append(all, p.Accounts...)
		if p.NextPageToken == "" {
			break
		}
		pageToken = p.NextPageToken
	}
	return all, nil
}

// persistAccounts replaces the account half of the snapshot. When exactly one
// external account exists, its display name is cached for convenience.
func (e *Engine) persistAccounts(businessID string, accounts []ExternalAccount, fetchedAt time.Time) {
	raw, err := json.Marshal(accounts)
	if err != nil {
		return
	}

	updates := map[string]any{
		"accounts_json":       string(raw),
		"account_count":       len(accounts),
		"accounts_fetched_at": fetchedAt,
	}
	if len(accounts) == 1 {
		updates["primary_account_name"] = accounts[0].AccountName
	}
	e.db.Model(&models.Business{}).Where("id = ?", businessID).Updates(updates)
}

// fetchAllLocations fans out over the external accounts. A rate-limit error
// stops iteration immediately but keeps everything collected so far; other
// per-account failures are recorded and iteration continues.
func (e *Engine) fetchAllLocations(ctx context.Context, businessID, accessToken string, accounts []ExternalAccount) ([]ExternalLocation, []string, *RateLimitError) {
	var merged []ExternalLocation
	var syncErrors []string

	for i, account := range accounts {
		if i > 0 {
			e.sleep(e.policy.InterAccountDelay)
		}

		locations, err := e.fetchAccountLocations(ctx, businessID, accessToken, account.Name)
		merged = append(merged, locations...)
		if err != nil {
			syncErrors = append(syncErrors, fmt.Sprintf("%s: %v", account.Name, err))

			var rlErr *RateLimitError
			if errors.As(err, &rlErr) {
				e.recordRateLimit(businessID)
				return merged, syncErrors, rlErr
			}
		}
	}
	return merged, syncErrors, nil
}

// fetchAccountLocations pages through one account's locations, enriching
// each with its verification state. Locations collected before a failure are
// returned alongside the error.
func (e *Engine) fetchAccountLocations(ctx context.Context, businessID, accessToken, accountName string) ([]ExternalLocation, error) {
	var collected []ExternalLocation
	pageToken := ""

	for page := 0; page < e.policy.LocationPageCap; page++ {
		e.sleep(e.policy.InterCallDelay)

		p, err := e.client.ListLocationsPage(ctx, businessID, accessToken, accountName, pageToken)
		if err != nil {
			return collected, err
		}

		for _, loc := range p.Locations {
			collected = append(collected, e.enrichLocation(ctx, businessID, accessToken, loc))
		}

		if p.NextPageToken == "" {
			break
		}
		pageToken = p.NextPageToken
	}
	return collected, nil
}

// enrichLocation derives the flat primary category and merges the most
// recent verification record. A verification lookup failure never drops the
// location; it is logged and the verification left empty.
func (e *Engine) enrichLocation(ctx context.Context, businessID, accessToken string, loc ExternalLocation) ExternalLocation {
	if loc.PrimaryCategory == "" && loc.Categories != nil {
		loc.PrimaryCategory = flatPrimaryCategory(loc.Categories)
	}
	loc.Verification = map[string]any{}

	id := locationID(loc.Name)
	if id == "" {
		return loc
	}

	verifications, err := e.client.ListVerifications(ctx, businessID, accessToken, id)
	if err != nil {
		var rlErr *RateLimitError
		if errors.As(err, &rlErr) {
			e.recordRateLimit(businessID)
		}
		e.activity.Log(businessID, activity.LevelWarning,
			"Verification lookup failed for "+loc.Name,
			map[string]any{"run_id": logging.RunID(ctx), "error": err.Error()})
		return loc
	}
	if len(verifications) == 0 {
		return loc
	}

	newest := pickNewestVerification(verifications)
	for k, v := range newest {
		loc.Verification[k] = v
	}
	loc.Verification["checked_at"] = e.now().UTC().Format(time.RFC3339)
	return loc
}

// pickNewestVerification selects by createTime (RFC 3339 sorts
// lexicographically), falling back to list order.
func pickNewestVerification(verifications []map[string]any) map[string]any {
	newest := verifications[0]
	newestTime, _ := newest["createTime"].(string)
	for _, v := range verifications[1:] {
		created, _ := v["createTime"].(string)
		if created > newestTime {
			newest, newestTime = v, created
		}
	}
	return newest
}

// persistLocations replaces the location half of the snapshot wholesale,
// keeping collected errors alongside a successful partial result.
func (e *Engine) persistLocations(businessID string, locations []ExternalLocation, syncErrors []string, fetchedAt time.Time) {
	raw, err := json.Marshal(locations)
	if err != nil {
		return
	}

	errorsJSON := ""
	if len(syncErrors) > 0 {
		if rawErrs, err := json.Marshal(syncErrors); err == nil {
			errorsJSON = string(rawErrs)
		}
	}

	e.db.Model(&models.Business{}).Where("id = ?", businessID).Updates(map[string]any{
		"locations_json":       string(raw),
		"location_count":       len(locations),
		"locations_fetched_at": fetchedAt,
		"sync_errors_json":     errorsJSON,
	})
}
