package locks

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autoforge/internal/config"
	"autoforge/internal/store"
)

func openTestService(t *testing.T, ttl time.Duration) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st, config.LocksConfig{DefaultTTL: ttl}), st
}

func TestMutualExclusion(t *testing.T) {
	svc, _ := openTestService(t, time.Minute)

	if err := svc.Acquire("server/routes/habits.ts", "session-a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := svc.Acquire("server/routes/habits.ts", "session-b")
	if !errors.Is(err, store.ErrLockConflict) {
		t.Fatalf("second acquire = %v, want ErrLockConflict", err)
	}

	// Different path is independent.
	if err := svc.Acquire("server/routes/users.ts", "session-b"); err != nil {
		t.Fatalf("unrelated acquire: %v", err)
	}
}

func TestReacquireExtendsTTL(t *testing.T) {
	svc, _ := openTestService(t, time.Minute)

	if err := svc.Acquire("a.txt", "holder"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before, err := svc.Holder("a.txt")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}

	if err := svc.AcquireTTL("a.txt", "holder", 2*time.Minute); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	after, err := svc.Holder("a.txt")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Fatalf("expiry not extended: %v -> %v", before.ExpiresAt, after.ExpiresAt)
	}
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	svc, _ := openTestService(t, time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }

	if err := svc.Acquire("b.txt", "old-holder"); err != nil {
		t.Fatalf("acquire in the past: %v", err)
	}

	svc.now = time.Now
	if err := svc.Acquire("b.txt", "new-holder"); err != nil {
		t.Fatalf("acquire over expired lock: %v", err)
	}
	l, err := svc.Holder("b.txt")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if l.HolderID != "new-holder" {
		t.Fatalf("holder = %s, want new-holder", l.HolderID)
	}
}

func TestReapRemovesOnlyExpired(t *testing.T) {
	svc, st := openTestService(t, time.Minute)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	if err := svc.Acquire("expired.txt", "h"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	svc.now = time.Now
	if err := svc.Acquire("live.txt", "h"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	n, err := svc.Reap()
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d locks, want 1", n)
	}
	if _, err := st.GetLock("live.txt"); err != nil {
		t.Fatalf("live lock gone: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	svc, _ := openTestService(t, time.Minute)

	if err := svc.Acquire("c.txt", "holder"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.Release("c.txt", "holder"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	// Releasing someone else's lock is a no-op.
	if err := svc.Acquire("c.txt", "other"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := svc.Release("c.txt", "holder"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	l, err := svc.Holder("c.txt")
	if err != nil || l.HolderID != "other" {
		t.Fatalf("lock = (%+v, %v), want held by other", l, err)
	}
}

func TestAcquireReleaseLeavesNoTrace(t *testing.T) {
	svc, st := openTestService(t, time.Minute)

	if err := svc.Acquire("d.txt", "holder"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := svc.Release("d.txt", "holder"); err != nil {
		t.Fatalf("release: %v", err)
	}
	n, err := st.LockCount()
	if err != nil || n != 0 {
		t.Fatalf("lock count = (%d, %v), want (0, nil)", n, err)
	}
}

func TestOwnershipConflict(t *testing.T) {
	svc, _ := openTestService(t, time.Minute)

	if err := svc.ClaimOwnership("database/habits.sql", "loop-a", "migration"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Same owner repeats freely.
	if err := svc.ClaimOwnership("database/habits.sql", "loop-a", "migration"); err != nil {
		t.Fatalf("repeat claim: %v", err)
	}
	err := svc.ClaimOwnership("database/habits.sql", "loop-b", "migration")
	if !errors.Is(err, store.ErrOwnerConflict) {
		t.Fatalf("conflicting claim = %v, want ErrOwnerConflict", err)
	}
}
