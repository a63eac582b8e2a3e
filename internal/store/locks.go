package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autoforge/internal/logging"
	"autoforge/internal/types"
)

// ErrLockConflict is returned when a non-expired lock is held by another
// holder. It is never retried inside a session; the orchestrator reschedules.
var ErrLockConflict = errors.New("file lock conflict")

// ErrOwnerConflict is returned when a path already has a different owner.
var ErrOwnerConflict = errors.New("resource ownership conflict")

// AcquireLock takes (or extends) an exclusive TTL lock on a path.
// Expired locks on the path are reaped first; reacquisition by the same
// holder extends the TTL. The whole operation is one serialized transaction.
func (s *Store) AcquireLock(path, holder string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin lock acquire: %w", err)
	}
	defer tx.Rollback()

	nowMs := now.UnixMilli()

	// Reap any expired lock on this path before deciding.
	if _, err := tx.Exec("DELETE FROM file_locks WHERE path = ? AND expires_at <= ?", path, nowMs); err != nil {
		return fmt.Errorf("failed to reap expired lock: %w", err)
	}

	var existing string
	err = tx.QueryRow("SELECT holder_id FROM file_locks WHERE path = ?", path).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec("INSERT INTO file_locks (path, holder_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)",
			path, holder, nowMs, now.Add(ttl).UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert lock: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read lock: %w", err)
	case existing == holder:
		// Reacquisition extends the TTL.
		if _, err := tx.Exec("UPDATE file_locks SET expires_at = ? WHERE path = ?",
			now.Add(ttl).UnixMilli(), path); err != nil {
			return fmt.Errorf("failed to extend lock: %w", err)
		}
	default:
		return ErrLockConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock acquire: %w", err)
	}

	logging.LocksDebug("Lock acquired: %s by %s (ttl %v)", path, holder, ttl)
	return nil
}

// ReleaseLock drops the holder's lock on a path. Idempotent: releasing a
// lock that is absent or held by someone else is a no-op.
func (s *Store) ReleaseLock(path, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM file_locks WHERE path = ? AND holder_id = ?", path, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReapLocks deletes all locks whose TTL elapsed. Returns how many were
// removed. Idempotent.
func (s *Store) ReapLocks(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM file_locks WHERE expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to reap locks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Locks("Reaped %d expired locks", n)
	}
	return n, nil
}

// GetLock returns the lock row for a path, or ErrNotFound.
func (s *Store) GetLock(path string) (*types.FileLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var l types.FileLock
	var acquired, expires int64
	err := s.db.QueryRow("SELECT path, holder_id, acquired_at, expires_at FROM file_locks WHERE path = ?", path).
		Scan(&l.Path, &l.HolderID, &acquired, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	l.AcquiredAt = milliToTime(acquired)
	l.ExpiresAt = milliToTime(expires)
	return &l, nil
}

// LockCount returns the number of live lock rows.
func (s *Store) LockCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM file_locks").Scan(&n)
	return n, err
}

// RegisterOwner records advisory ownership of a path. Registering the same
// (path, owner) again is a no-op; a different owner is a conflict.
func (s *Store) RegisterOwner(path, owner, resourceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow("SELECT owner FROM resource_owners WHERE path = ?", path).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec("INSERT INTO resource_owners (path, owner, resource_type) VALUES (?, ?, ?)",
			path, owner, resourceType); err != nil {
			return fmt.Errorf("failed to register owner: %w", err)
		}
		logging.LocksDebug("Ownership registered: %s -> %s", path, owner)
		return nil
	case err != nil:
		return fmt.Errorf("failed to read owner: %w", err)
	case existing == owner:
		return nil
	default:
		return ErrOwnerConflict
	}
}

// ReleaseOwner drops ownership. Idempotent.
func (s *Store) ReleaseOwner(path, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM resource_owners WHERE path = ? AND owner = ?", path, owner)
	return err
}

// GetOwner returns the advisory owner of a path, or ErrNotFound.
func (s *Store) GetOwner(path string) (*types.ResourceOwner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o types.ResourceOwner
	err := s.db.QueryRow("SELECT path, owner, resource_type FROM resource_owners WHERE path = ?", path).
		Scan(&o.Path, &o.Owner, &o.ResourceType)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read owner: %w", err)
	}
	return &o, nil
}
