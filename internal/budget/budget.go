// Package budget implements the Budget & Cost Ledger's alerting half
// (C13): detecting when a newly recorded cost event pushes a project's
// total spend across its alert threshold and raising exactly one
// budget_exceeded escalation per crossing.
//
// The append-only ledger storage lives in internal/store/costs.go
// (AppendCostEvent/TotalSpend/ListCostEvents); this package wraps it
// with the crossing-detection state CLIAIMONITOR doesn't need anywhere
// in its own domain, built in the same thin-wrapper-around-the-store
// idiom as internal/escalation.
package budget

import (
	"sync"

	"github.com/coderelay/orchestrator/internal/model"
)

// Store is the subset of the state store this package drives.
type Store interface {
	AppendCostEvent(e *model.CostEvent) error
	TotalSpend(projectID string) (float64, error)
	GetProject(id string) (*model.Project, error)
}

// EscalationQueue is the subset of the escalation package this tracker
// needs to raise a budget_exceeded escalation.
type EscalationQueue interface {
	Create(esc *model.Escalation) (*model.Escalation, error)
}

// Tracker records cost events and raises a budget_exceeded escalation
// the first time a project's spend crosses its alert threshold. One
// crossing raises one escalation; it does not fire again unless a later
// check finds spend back below the threshold, which clears the flag.
// The ledger is append-only, so spend never decreases on its own.
type Tracker struct {
	store      Store
	escalation EscalationQueue

	mu      sync.Mutex
	crossed map[string]bool
}

// New constructs a Tracker.
func New(store Store, escalation EscalationQueue) *Tracker {
	return &Tracker{store: store, escalation: escalation, crossed: make(map[string]bool)}
}

// RecordCost appends a cost event and checks whether the project's
// total spend has just crossed its alert threshold, raising an
// escalation exactly once per crossing.
func (t *Tracker) RecordCost(e *model.CostEvent) error {
	if err := t.store.AppendCostEvent(e); err != nil {
		return err
	}
	return t.checkThreshold(e.ProjectID)
}

func (t *Tracker) checkThreshold(projectID string) error {
	project, err := t.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if project.Budget == nil || project.Budget.Total <= 0 {
		return nil
	}

	spent, err := t.store.TotalSpend(projectID)
	if err != nil {
		return err
	}

	threshold := project.Budget.AlertThresholdPct * project.Budget.Total / 100
	if spent < threshold {
		t.mu.Lock()
		delete(t.crossed, projectID)
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	alreadyCrossed := t.crossed[projectID]
	t.crossed[projectID] = true
	t.mu.Unlock()
	if alreadyCrossed {
		return nil
	}

	if t.escalation == nil {
		return nil
	}
	_, err = t.escalation.Create(&model.Escalation{
		ProjectID: projectID,
		Type:      model.EscalationBudgetExceeded,
		Priority:  model.EscPriorityHigh,
		Title:     "Project spend crossed its alert threshold",
		Context: map[string]interface{}{
			"totalSpend": spent,
			"budget":     project.Budget,
		},
	})
	return err
}

// PercentUsed returns spent/total*100 for a project, clamped to [0,100]
// for display. Returns 0 if the project has no budget configured.
func (t *Tracker) PercentUsed(projectID string) (float64, error) {
	project, err := t.store.GetProject(projectID)
	if err != nil {
		return 0, err
	}
	if project.Budget == nil || project.Budget.Total <= 0 {
		return 0, nil
	}
	spent, err := t.store.TotalSpend(projectID)
	if err != nil {
		return 0, err
	}
	pct := spent / project.Budget.Total * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}
