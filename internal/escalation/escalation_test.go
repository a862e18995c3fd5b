package escalation

import (
	"testing"
	"time"

	"github.com/coderelay/orchestrator/internal/model"
)

type fakeStore struct {
	created []*model.Escalation
}

func (f *fakeStore) CreateEscalation(e *model.Escalation) error {
	f.created = append(f.created, e)
	return nil
}

func TestCreateEscalationInfersAuthRequiredType(t *testing.T) {
	store := &fakeStore{}
	q := New(store)

	esc, err := q.CreateEscalation("proj-1", model.DetectionEvent{Kind: model.DetectionAuthRequired, AgentID: "a1", AuthProvider: "github"}, &model.Decision{Priority: string(model.EscPriorityCritical)}, "console output here")
	if err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if esc.Type != model.EscalationAuthRequired {
		t.Fatalf("expected auth_required type, got %s", esc.Type)
	}
	if esc.Priority != model.EscPriorityCritical {
		t.Fatalf("expected critical priority carried from decision, got %s", esc.Priority)
	}
	if esc.ProjectID != "proj-1" {
		t.Fatalf("expected projectId to be carried through, got %s", esc.ProjectID)
	}
	if len(store.created) != 1 {
		t.Fatalf("expected exactly one escalation created, got %d", len(store.created))
	}
}

func TestCreateEscalationInfersAgentErrorTypeForCrash(t *testing.T) {
	store := &fakeStore{}
	q := New(store)

	esc, err := q.CreateEscalation("proj-1", model.DetectionEvent{Kind: model.DetectionCrash, AgentID: "a1"}, &model.Decision{Priority: string(model.EscPriorityHigh)}, "")
	if err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if esc.Type != model.EscalationAgentError {
		t.Fatalf("expected agent_error type, got %s", esc.Type)
	}
}

func TestShouldNotify(t *testing.T) {
	cases := []struct {
		esc  model.Escalation
		want bool
	}{
		{model.Escalation{Priority: model.EscPriorityCritical}, true},
		{model.Escalation{Priority: model.EscPriorityHigh, AssignedTo: "u1"}, true},
		{model.Escalation{Priority: model.EscPriorityHigh}, false},
		{model.Escalation{Priority: model.EscPriorityNormal, AssignedTo: "u1"}, false},
	}
	for _, c := range cases {
		if got := ShouldNotify(&c.esc); got != c.want {
			t.Errorf("ShouldNotify(%+v) = %v, want %v", c.esc, got, c.want)
		}
	}
}

func TestIsDue(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name string
		esc  model.Escalation
		want bool
	}{
		{"pending is due", model.Escalation{Status: model.EscPending}, true},
		{"snoozed until future is not due", model.Escalation{Status: model.EscSnoozed, SnoozedUntil: &future}, false},
		{"snoozed until past is due", model.Escalation{Status: model.EscSnoozed, SnoozedUntil: &past}, true},
		{"snoozed with nil until is due", model.Escalation{Status: model.EscSnoozed}, true},
	}
	for _, c := range cases {
		if got := IsDue(&c.esc, now); got != c.want {
			t.Errorf("%s: IsDue = %v, want %v", c.name, got, c.want)
		}
	}
}
