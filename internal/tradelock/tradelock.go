// Package tradelock serializes trading per pot. At most one trader holds
// a pot's lock at a time; a lock older than the timeout is reclaimable by
// any eligible trader, so a crashed holder cannot freeze a pot forever.
package tradelock

import (
	"log/slog"
	"sync"
	"time"

	"github.com/solpot/pot-engine/internal/fault"
)

// DefaultTimeout is how long a held lock stays unreclaimable.
const DefaultTimeout = 5 * time.Minute

// Status describes one pot's lock for display.
type Status struct {
	Locked     bool      `json:"locked"`
	HolderID   string    `json:"holder_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

type entry struct {
	holderID   string
	acquiredAt time.Time
}

// Manager is an in-process lock table keyed by pot ID.
//
// The table is process-local: a second engine instance would not see
// these locks. Trading is additionally serialized by the persisted
// delegation protocol, so a split-brain lock costs a failed swap, not
// a double spend.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]entry
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewManager creates a lock manager with the given hold timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewManager(timeout time.Duration, log *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		locks:   make(map[string]entry),
		timeout: timeout,
		now:     time.Now,
		log:     log,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Acquire takes the pot's lock for holderID. Re-acquiring a lock you
// already hold refreshes its timestamp. A lock held past the timeout is
// silently reclaimed. Returns a Concurrency fault when another holder's
// lock is still fresh.
func (m *Manager) Acquire(potID, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, held := m.locks[potID]
	if held && e.holderID != holderID && now.Sub(e.acquiredAt) < m.timeout {
		return fault.New(fault.Concurrency,
			"pot is locked by another trader until %s",
			e.acquiredAt.Add(m.timeout).UTC().Format(time.RFC3339))
	}
	if held && e.holderID != holderID {
		m.log.Warn("reclaiming expired trade lock",
			"pot_id", potID, "stale_holder", e.holderID, "new_holder", holderID)
	}
	m.locks[potID] = entry{holderID: holderID, acquiredAt: now}
	return nil
}

// Release drops the pot's lock if holderID still holds it. A release
// after the lock was reclaimed by someone else is a no-op: the late
// holder must not evict the current one.
func (m *Manager) Release(potID, holderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, held := m.locks[potID]; held && e.holderID == holderID {
		delete(m.locks, potID)
	}
}

// Status reports the pot's lock state as seen by callerID. An expired
// lock reads as unlocked, and so does a lock the caller itself holds,
// since the caller could re-enter it.
func (m *Manager) Status(potID, callerID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.locks[potID]
	if !held || e.holderID == callerID || m.now().Sub(e.acquiredAt) >= m.timeout {
		return Status{Locked: false}
	}
	return Status{
		Locked:     true,
		HolderID:   e.holderID,
		AcquiredAt: e.acquiredAt,
		ExpiresAt:  e.acquiredAt.Add(m.timeout),
	}
}
