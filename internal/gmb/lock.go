package gmb

import (
	"sync"
	"time"
)

// DefaultLockTTL bounds how long a crashed sync can keep its lock.
const DefaultLockTTL = 300 * time.Second

type lockEntry struct {
	acquiredAt time.Time
	ttl        time.Duration
}

// LockTable is the single-flight lock coordinator: at most one live lock per
// business. Expired locks self-heal on the next acquire attempt.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

// Acquire atomically takes the lock for a business. Returns false when a
// live (unexpired) lock already exists, regardless of owner.
func (t *LockTable) Acquire(businessID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if entry, ok := t.locks[businessID]; ok {
		if now.Sub(entry.acquiredAt) < entry.ttl {
			return false
		}
		// Stale lock from a crashed sync, safe to take over.
	}
	t.locks[businessID] = lockEntry{acquiredAt: now, ttl: ttl}
	return true
}

// Release removes the lock. Idempotent, safe when no lock exists.
func (t *LockTable) Release(businessID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, businessID)
}

// Held reports whether a live lock exists for the business.
func (t *LockTable) Held(businessID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.locks[businessID]
	if !ok {
		return false
	}
	return t.now().Sub(entry.acquiredAt) < entry.ttl
}
