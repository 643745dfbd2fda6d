package tradelock

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solpot/pot-engine/internal/fault"
)

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestAcquireExcludesOtherHolders(t *testing.T) {
	m, _ := newTestManager(t, DefaultTimeout)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := m.Acquire("pot-1", "bob")
	if err == nil {
		t.Fatal("expected second acquire to fail")
	}
	if !fault.Is(err, fault.Concurrency) {
		t.Fatalf("expected concurrency fault, got %v", err)
	}
}

func TestAcquireIsReentrant(t *testing.T) {
	m, _ := newTestManager(t, DefaultTimeout)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
}

func TestIndependentPots(t *testing.T) {
	m, _ := newTestManager(t, DefaultTimeout)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("acquire pot-1: %v", err)
	}
	if err := m.Acquire("pot-2", "bob"); err != nil {
		t.Fatalf("acquire pot-2 should be independent: %v", err)
	}
}

func TestExpiredLockIsReclaimed(t *testing.T) {
	m, now := newTestManager(t, 5*time.Minute)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Just under the timeout: still held.
	*now = now.Add(5*time.Minute - time.Second)
	if err := m.Acquire("pot-1", "bob"); err == nil {
		t.Fatal("lock should still be held before timeout")
	}

	// At the timeout: reclaimable.
	*now = now.Add(time.Second)
	if err := m.Acquire("pot-1", "bob"); err != nil {
		t.Fatalf("reclaim after timeout: %v", err)
	}

	st := m.Status("pot-1", "alice")
	if !st.Locked || st.HolderID != "bob" {
		t.Fatalf("expected bob to hold lock, got %+v", st)
	}
}

func TestLateReleaseDoesNotEvictNewHolder(t *testing.T) {
	m, now := newTestManager(t, 5*time.Minute)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	*now = now.Add(6 * time.Minute)
	if err := m.Acquire("pot-1", "bob"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// Alice's late release must not drop bob's lock.
	m.Release("pot-1", "alice")

	st := m.Status("pot-1", "alice")
	if !st.Locked || st.HolderID != "bob" {
		t.Fatalf("late release evicted new holder: %+v", st)
	}
}

func TestReleaseThenAcquire(t *testing.T) {
	m, _ := newTestManager(t, DefaultTimeout)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release("pot-1", "alice")
	if err := m.Acquire("pot-1", "bob"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestStatusReportsExpiredAsUnlocked(t *testing.T) {
	m, now := newTestManager(t, 5*time.Minute)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st := m.Status("pot-1", "bob")
	if !st.Locked || st.HolderID != "alice" {
		t.Fatalf("expected locked by alice, got %+v", st)
	}
	if got, want := st.ExpiresAt, st.AcquiredAt.Add(5*time.Minute); !got.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", got, want)
	}

	*now = now.Add(5 * time.Minute)
	if st := m.Status("pot-1", "bob"); st.Locked {
		t.Fatalf("expired lock should read unlocked, got %+v", st)
	}
}

func TestStatusIsReentrantForHolder(t *testing.T) {
	m, _ := newTestManager(t, DefaultTimeout)

	if err := m.Acquire("pot-1", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if st := m.Status("pot-1", "alice"); st.Locked {
		t.Fatalf("holder should see own lock as unlocked, got %+v", st)
	}
	if st := m.Status("pot-1", "bob"); !st.Locked {
		t.Fatal("other caller should see pot locked")
	}
}
