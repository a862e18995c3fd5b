package store

import (
	"database/sql"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
)

const lockColumns = `file_path, agent_id, locked_at, expires_at`
const lockSelect = `SELECT ` + lockColumns + ` FROM file_locks`

// AcquireLock grants agentID exclusive access to path until now+ttl. A
// re-entrant acquisition by the same agent extends the TTL. Acquiring a
// path locked by a different, unexpired agent fails with Conflict.
func (s *Store) AcquireLock(path, agentID string, now time.Time, ttl time.Duration) (*model.FileLock, error) {
	var result *model.FileLock
	err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		existing, err := scanLock(tx.QueryRow(lockSelect+" WHERE file_path = ?", path))
		if err != nil && err != sql.ErrNoRows {
			return eventbus.Event{}, err
		}
		if err == nil && !existing.Expired(now) && existing.AgentID != agentID {
			return eventbus.Event{}, apierr.Conflict("path %s is locked by %s", path, existing.AgentID)
		}

		lock := &model.FileLock{FilePath: path, AgentID: agentID, LockedAt: now, ExpiresAt: now.Add(ttl)}
		if _, err := tx.Exec(`
			INSERT INTO file_locks (file_path, agent_id, locked_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(file_path) DO UPDATE SET agent_id=excluded.agent_id, locked_at=excluded.locked_at, expires_at=excluded.expires_at
		`, lock.FilePath, lock.AgentID, lock.LockedAt, lock.ExpiresAt); err != nil {
			return eventbus.Event{}, err
		}
		result = lock
		return eventbus.New("lock:acquired", path, "", existing, lock), nil
	})
	return result, err
}

// ReleaseLock drops a lock regardless of TTL. It fails with NotFound if
// no lock exists on path, and with Conflict if the lock is held by an
// agent other than agentID.
func (s *Store) ReleaseLock(path, agentID string) error {
	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		existing, err := scanLock(tx.QueryRow(lockSelect+" WHERE file_path = ?", path))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("lock on %s", path)
		}
		if err != nil {
			return eventbus.Event{}, err
		}
		if existing.AgentID != agentID {
			return eventbus.Event{}, apierr.Conflict("lock on %s is held by %s, not %s", path, existing.AgentID, agentID)
		}
		if _, err := tx.Exec(`DELETE FROM file_locks WHERE file_path = ?`, path); err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("lock:released", path, "", existing, nil), nil
	})
}

// ListActiveLocks returns every lock not yet expired as of now.
func (s *Store) ListActiveLocks(now time.Time) ([]*model.FileLock, error) {
	rows, err := s.db.Query(lockSelect+" WHERE expires_at > ?", now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocks(rows)
}

// SweepExpiredLocks deletes every lock whose TTL has elapsed as of now,
// returning the set removed. Run periodically (default every 60s) by the
// Task Queue & Lock Manager (C5).
func (s *Store) SweepExpiredLocks(now time.Time) ([]*model.FileLock, error) {
	rows, err := s.db.Query(lockSelect+" WHERE expires_at <= ?", now)
	if err != nil {
		return nil, err
	}
	expired, err := scanLocks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	for _, l := range expired {
		lock := l
		if err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
			if _, err := tx.Exec(`DELETE FROM file_locks WHERE file_path = ?`, lock.FilePath); err != nil {
				return eventbus.Event{}, err
			}
			return eventbus.New("lock:expired", lock.FilePath, "", lock, nil), nil
		}); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func scanLock(row rowScanner) (*model.FileLock, error) {
	var l model.FileLock
	if err := row.Scan(&l.FilePath, &l.AgentID, &l.LockedAt, &l.ExpiresAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLocks(rows *sql.Rows) ([]*model.FileLock, error) {
	var out []*model.FileLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
