package queue

import (
	"testing"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/coderelay/orchestrator/internal/store"
	"github.com/coderelay/orchestrator/internal/zone"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	bus := eventbus.New(64)
	s, err := store.Open(":memory:", bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	registry := zone.NewRegistry(s)
	return New(s, registry, time.Minute), s
}

func TestClaimLocksAllFilesAtomically(t *testing.T) {
	m, s := newTestManager(t)
	s.CreateProject(&model.Project{ID: "p1", ConflictStrategy: model.ConflictLock, ZoneConfig: model.ProjectZoneConfig{DefaultPolicy: model.PolicyAllow}})
	s.CreateTask(&model.Task{ID: "t1", ProjectID: "p1", Title: "x", Files: []string{"a.go", "b.go"}})

	claimed, err := m.Claim("t1", "agent-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != model.TaskClaimed {
		t.Fatalf("expected claimed, got %s", claimed.Status)
	}

	locks, err := s.ListActiveLocks(time.Now())
	if err != nil || len(locks) != 2 {
		t.Fatalf("expected 2 active locks, got %d (err=%v)", len(locks), err)
	}
}

func TestClaimRollsBackOnPartialLockFailure(t *testing.T) {
	m, s := newTestManager(t)
	s.CreateProject(&model.Project{ID: "p1", ConflictStrategy: model.ConflictLock, ZoneConfig: model.ProjectZoneConfig{DefaultPolicy: model.PolicyAllow}})
	s.AcquireLock("b.go", "agent-other", time.Now(), time.Hour)
	s.CreateTask(&model.Task{ID: "t1", ProjectID: "p1", Title: "x", Files: []string{"a.go", "b.go"}})

	if _, err := m.Claim("t1", "agent-a"); !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	locks, _ := s.ListActiveLocks(time.Now())
	if len(locks) != 1 {
		t.Fatalf("expected rollback to leave only the pre-existing lock, got %d", len(locks))
	}

	task, _ := s.GetTask("t1")
	if task.Status != model.TaskPending {
		t.Fatalf("expected task to remain pending after failed claim, got %s", task.Status)
	}
}

func TestClaimDeniedByZone(t *testing.T) {
	m, s := newTestManager(t)
	s.CreateProject(&model.Project{
		ID:               "p1",
		ConflictStrategy: model.ConflictLock,
		ZoneConfig: model.ProjectZoneConfig{
			Zones:         []model.ZoneDefinition{{Pattern: "src/ui/**", Owners: []string{"ui-agent"}}},
			DefaultPolicy: model.PolicyAllow,
		},
	})
	s.CreateTask(&model.Task{ID: "t1", ProjectID: "p1", Title: "x", Files: []string{"src/ui/App.tsx"}})

	if _, err := m.Claim("t1", "backend-agent"); !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected conflict from zone denial, got %v", err)
	}
}
