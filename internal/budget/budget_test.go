package budget

import (
	"testing"

	"github.com/coderelay/orchestrator/internal/model"
)

type fakeStore struct {
	project *model.Project
	events  []*model.CostEvent
}

func (f *fakeStore) AppendCostEvent(e *model.CostEvent) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) TotalSpend(projectID string) (float64, error) {
	var total float64
	for _, e := range f.events {
		if e.ProjectID == projectID {
			total += e.Cost
		}
	}
	return total, nil
}

func (f *fakeStore) GetProject(id string) (*model.Project, error) {
	return f.project, nil
}

type fakeEscalation struct {
	created []*model.Escalation
}

func (f *fakeEscalation) Create(esc *model.Escalation) (*model.Escalation, error) {
	f.created = append(f.created, esc)
	return esc, nil
}

// TestBudgetCrossingRaisesExactlyOneEscalation implements spec.md
// scenario 7: spend moves from 79.00 to 80.01 against total=100,
// alertThresholdPct=80, producing exactly one escalation; a subsequent
// cost event within the same crossing produces no duplicate.
func TestBudgetCrossingRaisesExactlyOneEscalation(t *testing.T) {
	store := &fakeStore{project: &model.Project{ID: "p1", Budget: &model.Budget{Total: 100, AlertThresholdPct: 80}}}
	esc := &fakeEscalation{}
	tr := New(store, esc)

	if err := tr.RecordCost(&model.CostEvent{ProjectID: "p1", Cost: 79.00}); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if len(esc.created) != 0 {
		t.Fatalf("expected no escalation before crossing, got %d", len(esc.created))
	}

	if err := tr.RecordCost(&model.CostEvent{ProjectID: "p1", Cost: 1.01}); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if len(esc.created) != 1 {
		t.Fatalf("expected exactly one escalation on crossing, got %d", len(esc.created))
	}
	if esc.created[0].Type != model.EscalationBudgetExceeded {
		t.Fatalf("expected budget_exceeded type, got %s", esc.created[0].Type)
	}

	if err := tr.RecordCost(&model.CostEvent{ProjectID: "p1", Cost: 0.50}); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if len(esc.created) != 1 {
		t.Fatalf("expected no duplicate escalation in same crossing, got %d", len(esc.created))
	}
}

func TestNoBudgetConfiguredNeverEscalates(t *testing.T) {
	store := &fakeStore{project: &model.Project{ID: "p1"}}
	esc := &fakeEscalation{}
	tr := New(store, esc)

	if err := tr.RecordCost(&model.CostEvent{ProjectID: "p1", Cost: 1000}); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if len(esc.created) != 0 {
		t.Fatalf("expected no escalation without a configured budget, got %d", len(esc.created))
	}
}

func TestPercentUsedClampedTo100(t *testing.T) {
	store := &fakeStore{project: &model.Project{ID: "p1", Budget: &model.Budget{Total: 100, AlertThresholdPct: 80}}}
	tr := New(store, nil)
	tr.RecordCost(&model.CostEvent{ProjectID: "p1", Cost: 150})

	pct, err := tr.PercentUsed("p1")
	if err != nil {
		t.Fatalf("PercentUsed: %v", err)
	}
	if pct != 100 {
		t.Fatalf("expected clamped 100, got %v", pct)
	}
}
