package reassign

import (
	"context"
	"testing"
	"time"

	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/coderelay/orchestrator/internal/store"
)

func newTestReassigner(t *testing.T, grace time.Duration) (*Reassigner, *store.Store, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(64)
	s, err := store.Open(":memory:", bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, bus, grace, 3), s, bus
}

// TestGracePeriodReassignsExactlyOnce implements spec.md scenario 3:
// an offline agent's orphaned task is reassigned exactly once after the
// grace period elapses, and never if the agent recovers first.
func TestGracePeriodReassignsExactlyOnce(t *testing.T) {
	r, s, bus := newTestReassigner(t, 30*time.Millisecond)

	s.CreateProject(&model.Project{ID: "p1"})
	s.RegisterAgent(&model.AgentProfile{ID: "agent-a", Status: model.AgentOffline})
	s.RegisterAgent(&model.AgentProfile{ID: "agent-b", Status: model.AgentIdle})
	s.CreateTask(&model.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: model.TaskInProgress, AssignedTo: "agent-a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	time.Sleep(5 * time.Millisecond)
	bus.Publish(eventbus.Event{Kind: "status:offline", EntityID: "agent-a", ProjectID: "p1", Payload: map[string]interface{}{"agentId": "agent-a"}})

	deadline := time.After(time.Second)
	for {
		task, err := s.GetTask("t1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.AssignedTo == "agent-b" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task was never reassigned to agent-b: %+v", task)
		case <-time.After(5 * time.Millisecond):
		}
	}

	task, _ := s.GetTask("t1")
	if task.ReassignmentCount != 1 {
		t.Fatalf("expected exactly one reassignment, got %d", task.ReassignmentCount)
	}
}

// TestReassignNowBypassesGracePeriod covers the Action Executor's
// reassign_task path (spec.md §4.11), which delegates to the
// Reassigner's synchronous path rather than waiting out the grace
// period used by the offline-triggered flow.
func TestReassignNowBypassesGracePeriod(t *testing.T) {
	r, s, _ := newTestReassigner(t, time.Hour)

	s.CreateProject(&model.Project{ID: "p1"})
	s.RegisterAgent(&model.AgentProfile{ID: "agent-a", Status: model.AgentIdle})
	s.RegisterAgent(&model.AgentProfile{ID: "agent-b", Status: model.AgentIdle})
	s.CreateTask(&model.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: model.TaskInProgress, AssignedTo: "agent-a"})

	if err := r.ReassignNow(context.Background(), "t1", "agent-a"); err != nil {
		t.Fatalf("ReassignNow: %v", err)
	}

	task, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.AssignedTo != "agent-b" {
		t.Fatalf("expected reassignment to agent-b, got %s", task.AssignedTo)
	}
	if task.ReassignmentCount != 1 {
		t.Fatalf("expected reassignment count 1, got %d", task.ReassignmentCount)
	}
}

func TestReassignNowFailsWhenNoEligibleAgent(t *testing.T) {
	r, s, _ := newTestReassigner(t, time.Hour)

	s.CreateProject(&model.Project{ID: "p1"})
	s.RegisterAgent(&model.AgentProfile{ID: "agent-a", Status: model.AgentIdle})
	s.CreateTask(&model.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: model.TaskInProgress, AssignedTo: "agent-a"})

	if err := r.ReassignNow(context.Background(), "t1", "agent-a"); err == nil {
		t.Fatal("expected an error when no eligible replacement agent exists")
	}
}

func TestNoReassignmentIfAgentRecovers(t *testing.T) {
	r, s, bus := newTestReassigner(t, 50*time.Millisecond)

	s.CreateProject(&model.Project{ID: "p1"})
	s.RegisterAgent(&model.AgentProfile{ID: "agent-a", Status: model.AgentOffline})
	s.RegisterAgent(&model.AgentProfile{ID: "agent-b", Status: model.AgentIdle})
	s.CreateTask(&model.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: model.TaskInProgress, AssignedTo: "agent-a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	bus.Publish(eventbus.Event{Kind: "status:offline", EntityID: "agent-a", ProjectID: "p1", Payload: map[string]interface{}{"agentId": "agent-a"}})

	time.Sleep(10 * time.Millisecond)
	s.UpdateAgentStatus("agent-a", model.AgentIdle)

	time.Sleep(100 * time.Millisecond)

	task, _ := s.GetTask("t1")
	if task.AssignedTo != "agent-a" {
		t.Fatalf("expected no reassignment after agent recovered, got assignedTo=%s", task.AssignedTo)
	}
}
