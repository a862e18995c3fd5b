package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/model"
)

type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]*model.Task
	logs       []*model.ActionLogEntry
	sweptCount int
	released   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*model.Task)}
}

func (s *fakeStore) GetTask(id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apierr.NotFound("task %s", id)
	}
	return t, nil
}

func (s *fakeStore) TransitionTask(id string, status model.TaskStatus) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apierr.NotFound("task %s", id)
	}
	t.Status = status
	return t, nil
}

func (s *fakeStore) SweepExpiredLocks(now time.Time) ([]*model.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweptCount++
	return nil, nil
}

func (s *fakeStore) ReleaseLock(path, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, path)
	return nil
}

func (s *fakeStore) AppendActionLog(e *model.ActionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	return nil
}

type fakeSandboxes struct {
	killed []string
}

func (f *fakeSandboxes) Kill(ctx context.Context, id string) error {
	f.killed = append(f.killed, id)
	return nil
}

type fakeReassigner struct {
	called bool
}

func (f *fakeReassigner) ReassignNow(ctx context.Context, taskID, excludeAgentID string) error {
	f.called = true
	return nil
}

type flakyNotifier struct {
	calls     int
	failUntil int
}

func (n *flakyNotifier) Prompt(ctx context.Context, agentID, message string) error {
	n.calls++
	if n.calls <= n.failUntil {
		return apierr.Transient(nil, "agent unreachable")
	}
	return nil
}

func TestRetryTaskTransitionsFailedToPending(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = &model.Task{ID: "t1", Status: model.TaskFailed}
	e := New(store, nil, nil, nil, time.Millisecond, 2)

	entry, err := e.Execute(context.Background(), "p1", model.ActionRetryTask, model.DetectionEvent{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if store.tasks["t1"].Status != model.TaskPending {
		t.Fatalf("expected task pending, got %s", store.tasks["t1"].Status)
	}
	if entry.Outcome != model.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %+v", entry)
	}
}

func TestPromptAgentRetriesOnTransientThenSucceeds(t *testing.T) {
	store := newFakeStore()
	notifier := &flakyNotifier{failUntil: 1}
	e := New(store, nil, nil, notifier, time.Millisecond, 2)

	entry, err := e.Execute(context.Background(), "p1", model.ActionPromptAgent, model.DetectionEvent{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if entry.Retries != 1 {
		t.Fatalf("expected 1 retry, got %d", entry.Retries)
	}
	if len(store.logs) != 1 {
		t.Fatalf("expected exactly one action log entry, got %d", len(store.logs))
	}
}

func TestPromptAgentFailsAfterMaxRetries(t *testing.T) {
	store := newFakeStore()
	notifier := &flakyNotifier{failUntil: 10}
	e := New(store, nil, nil, notifier, time.Millisecond, 2)

	entry, err := e.Execute(context.Background(), "p1", model.ActionPromptAgent, model.DetectionEvent{AgentID: "a1"})
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if entry.Outcome != model.OutcomeFailure || entry.Retries != 2 {
		t.Fatalf("expected failure outcome with 2 retries, got %+v", entry)
	}
	if notifier.calls != 3 {
		t.Fatalf("expected 3 total attempts, got %d", notifier.calls)
	}
}

func TestRestartAgentKillsSandbox(t *testing.T) {
	store := newFakeStore()
	sandboxes := &fakeSandboxes{}
	e := New(store, sandboxes, nil, nil, time.Millisecond, 2)

	_, err := e.Execute(context.Background(), "p1", model.ActionRestartAgent, model.DetectionEvent{SandboxID: "sbx-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sandboxes.killed) != 1 || sandboxes.killed[0] != "sbx-1" {
		t.Fatalf("expected sandbox sbx-1 killed, got %v", sandboxes.killed)
	}
}

func TestReassignTaskDelegatesToReassigner(t *testing.T) {
	store := newFakeStore()
	reassigner := &fakeReassigner{}
	e := New(store, nil, reassigner, nil, time.Millisecond, 2)

	_, err := e.Execute(context.Background(), "p1", model.ActionReassignTask, model.DetectionEvent{TaskID: "t1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reassigner.called {
		t.Fatal("expected reassigner to be invoked")
	}
}

func TestCleanupLocksSweepsExpired(t *testing.T) {
	store := newFakeStore()
	e := New(store, nil, nil, nil, time.Millisecond, 2)

	if _, err := e.Execute(context.Background(), "p1", model.ActionCleanupLocks, model.DetectionEvent{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if store.sweptCount != 1 {
		t.Fatalf("expected exactly one sweep call, got %d", store.sweptCount)
	}
}

func TestForceReleaseLock(t *testing.T) {
	store := newFakeStore()
	e := New(store, nil, nil, nil, time.Millisecond, 2)

	if _, err := e.Execute(context.Background(), "p1", model.ActionForceRelease, model.DetectionEvent{Output: "/src/a.go", AgentID: "a1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(store.released) != 1 || store.released[0] != "/src/a.go" {
		t.Fatalf("expected lock released for /src/a.go, got %v", store.released)
	}
}

func TestUnknownActionFailsWithoutRetry(t *testing.T) {
	store := newFakeStore()
	e := New(store, nil, nil, nil, time.Millisecond, 2)

	entry, err := e.Execute(context.Background(), "p1", model.ActionType("bogus"), model.DetectionEvent{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.As(err, new(*apierr.Error)) && apierr.StatusCode(err) == 0 {
		t.Fatalf("expected apierr-classified error, got %v", err)
	}
	if entry.Retries != 0 {
		t.Fatalf("expected no retries for a non-transient validation error, got %d", entry.Retries)
	}
}
