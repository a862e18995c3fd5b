// Package queue implements the Task Queue & Lock Manager (C5): the
// claim protocol that combines zone checks and atomic file locking
// around the State Store's task transition, plus the periodic lock
// sweeper.
//
// Grounded on internal/tasks/queue.go (CLIAIMONITOR)'s thread-safe
// priority queue shape (mutex-guarded slice + id index), generalized
// here from an in-memory queue to the persisted claim protocol spec.md
// §4.5 requires; the periodic sweep loop follows the same
// ticker-in-a-goroutine idiom as internal/server/heartbeat.go.
package queue

import (
	"context"
	"log"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/coderelay/orchestrator/internal/zone"
)

// DefaultLockTTL is the TTL applied to a freshly acquired file lock.
const DefaultLockTTL = 30 * time.Minute

// DefaultSweepInterval is how often expired locks are swept.
const DefaultSweepInterval = 60 * time.Second

// Store is the subset of the State Store the queue needs.
type Store interface {
	GetTask(id string) (*model.Task, error)
	GetProject(id string) (*model.Project, error)
	ListActiveLocks(now time.Time) ([]*model.FileLock, error)
	AcquireLock(path, agentID string, now time.Time, ttl time.Duration) (*model.FileLock, error)
	ReleaseLock(path, agentID string) error
	SweepExpiredLocks(now time.Time) ([]*model.FileLock, error)
	ClaimTask(taskID, agentID string) (*model.Task, error)
}

// ZoneMatchers resolves the Zone Matcher currently configured for a
// project, so the Manager can pick up zone config changes without a
// restart.
type ZoneMatchers interface {
	MatcherFor(projectID string) (*zone.Matcher, error)
}

// Manager runs the claim protocol and the lock sweeper.
type Manager struct {
	store Store
	zones ZoneMatchers
	ttl   time.Duration
}

// New constructs a Manager. ttl of zero uses DefaultLockTTL.
func New(store Store, zones ZoneMatchers, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Manager{store: store, zones: zones, ttl: ttl}
}

// Claim runs the claim protocol from spec.md §4.5: the task must be
// pending; under conflictStrategy=lock, every file in task.Files must
// pass the zone check and have no unexpired lock held by a different
// agent; locks are acquired atomically (all-or-nothing), then the task
// transitions to claimed.
func (m *Manager) Claim(taskID, agentID string) (*model.Task, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskPending {
		return nil, apierr.Conflict("task %s is %s, not pending", taskID, task.Status)
	}

	project, err := m.store.GetProject(task.ProjectID)
	if err != nil {
		return nil, err
	}

	var acquired []string
	if project.ConflictStrategy == model.ConflictLock && len(task.Files) > 0 {
		matcher, err := m.zones.MatcherFor(task.ProjectID)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		for _, path := range task.Files {
			if decision := matcher.CheckAccess(path, agentID); !decision.Allowed {
				m.releaseAll(acquired, agentID)
				return nil, apierr.Conflict("cannot claim %s: %s", path, decision.Reason)
			}
			if _, err := m.store.AcquireLock(path, agentID, now, m.ttl); err != nil {
				m.releaseAll(acquired, agentID)
				return nil, err
			}
			acquired = append(acquired, path)
		}
	}

	claimed, err := m.store.ClaimTask(taskID, agentID)
	if err != nil {
		m.releaseAll(acquired, agentID)
		return nil, err
	}
	return claimed, nil
}

func (m *Manager) releaseAll(paths []string, agentID string) {
	for _, p := range paths {
		if err := m.store.ReleaseLock(p, agentID); err != nil {
			log.Printf("[QUEUE] release %s during claim rollback: %v", p, err)
		}
	}
}

// RunSweeper blocks, sweeping expired locks on DefaultSweepInterval
// until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	m.RunSweeperEvery(ctx, DefaultSweepInterval)
}

// RunSweeperEvery is RunSweeper with a configurable interval, exposed
// for tests.
func (m *Manager) RunSweeperEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[QUEUE] starting lock sweeper (interval %v)", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[QUEUE] stopping lock sweeper")
			return
		case <-ticker.C:
			expired, err := m.store.SweepExpiredLocks(time.Now())
			if err != nil {
				log.Printf("[QUEUE] sweep expired locks: %v", err)
				continue
			}
			if len(expired) > 0 {
				log.Printf("[QUEUE] swept %d expired lock(s)", len(expired))
			}
		}
	}
}
