// Package locks provides the file-lock service: TTL-bounded exclusive
// write locks plus advisory resource ownership, with a background reaper.
package locks

import (
	"context"
	"time"

	"autoforge/internal/config"
	"autoforge/internal/logging"
	"autoforge/internal/store"
	"autoforge/internal/types"
)

// Service wraps the persisted lock primitives with configured TTLs
// and runs the expiry reaper.
type Service struct {
	store *store.Store
	cfg   config.LocksConfig
	now   func() time.Time
}

// NewService creates a lock service. The clock is injectable for tests.
func NewService(st *store.Store, cfg config.LocksConfig) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 20 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	return &Service{store: st, cfg: cfg, now: time.Now}
}

// Acquire takes an exclusive lock on path for the holder with the default
// TTL. Returns store.ErrLockConflict when another holder owns a live lock.
func (s *Service) Acquire(path, holder string) error {
	return s.AcquireTTL(path, holder, s.cfg.DefaultTTL)
}

// AcquireTTL is Acquire with an explicit TTL. Reacquisition by the same
// holder extends the lock.
func (s *Service) AcquireTTL(path, holder string, ttl time.Duration) error {
	return s.store.AcquireLock(path, holder, ttl, s.now())
}

// Release drops the holder's lock. Idempotent.
func (s *Service) Release(path, holder string) error {
	return s.store.ReleaseLock(path, holder)
}

// ReleaseAll drops every lock in paths held by holder. Errors on
// individual paths do not stop the sweep; the first one is returned.
func (s *Service) ReleaseAll(paths []string, holder string) error {
	var first error
	for _, p := range paths {
		if err := s.store.ReleaseLock(p, holder); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Holder returns the current lock on a path, or store.ErrNotFound.
func (s *Service) Holder(path string) (*types.FileLock, error) {
	return s.store.GetLock(path)
}

// Reap removes expired locks immediately.
func (s *Service) Reap() (int64, error) {
	return s.store.ReapLocks(s.now())
}

// RunReaper reaps expired locks on the configured interval until the
// context is cancelled.
func (s *Service) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	logging.Locks("Lock reaper running (interval %v, default TTL %v)", s.cfg.ReapInterval, s.cfg.DefaultTTL)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reap(); err != nil {
				logging.Get(logging.CategoryLocks).Error("Reap failed: %v", err)
			}
		}
	}
}

// ClaimOwnership records an advisory owner for a path. Same-owner repeats
// are no-ops; a different owner gets store.ErrOwnerConflict.
func (s *Service) ClaimOwnership(path, owner, resourceType string) error {
	return s.store.RegisterOwner(path, owner, resourceType)
}

// ReleaseOwnership drops an advisory claim. Idempotent.
func (s *Service) ReleaseOwnership(path, owner string) error {
	return s.store.ReleaseOwner(path, owner)
}
