// Package escalation implements the package-level half of the
// Escalation Queue (C12): inferring an escalation's type from its
// triggering detection event and the notification/due-date predicates
// that drive the dashboard and alerting paths.
//
// Grounded on CLIAIMONITOR's internal/nats/messages.go
// EscalationCreateMessage/EscalationForwardMessage envelope shape for
// the event-to-escalation field mapping, and internal/tasks/queue.go's
// priority-then-age sort (already implemented store-side in
// internal/store/escalations.go).
package escalation

import (
	"time"

	"github.com/coderelay/orchestrator/internal/model"
)

// Store is the subset of the state store this package drives.
type Store interface {
	CreateEscalation(e *model.Escalation) error
}

// Queue wraps Store with the decision logic spec.md §4.12 assigns to
// the Escalation Queue itself, as opposed to plain CRUD.
type Queue struct {
	store Store
}

// New constructs a Queue.
func New(store Store) *Queue {
	return &Queue{store: store}
}

// detectionToEscalationType maps a DetectionEvent.Kind to the
// escalation type it produces when the Decision Engine chooses to
// escalate. auth_required maps directly; everything else that reaches
// here is an agent_error-class escalation (crash, stuck, fatal error,
// excess test-failure retries).
func detectionToEscalationType(kind model.DetectionKind) model.EscalationType {
	if kind == model.DetectionAuthRequired {
		return model.EscalationAuthRequired
	}
	return model.EscalationAgentError
}

// CreateEscalation builds and persists an Escalation from a triggering
// DetectionEvent, the Decision that chose to escalate, and the console
// output captured at detection time. The decision's priority is used
// when set; otherwise priority and status defaulting is handled by the
// store (model.DefaultPriorityFor, status=pending). This layer also
// infers the type and assembles context.
func (q *Queue) CreateEscalation(projectID string, event model.DetectionEvent, decision *model.Decision, consoleOutput string) (*model.Escalation, error) {
	esc := &model.Escalation{
		ProjectID: projectID,
		Type:      detectionToEscalationType(event.Kind),
		AgentID:   event.AgentID,
		Title:     escalationTitle(event),
		Context: map[string]interface{}{
			"detectionEvent": event,
			"decision":       decision,
			"consoleOutput":  consoleOutput,
		},
	}
	if decision != nil && decision.Priority != "" {
		esc.Priority = model.EscalationPriority(decision.Priority)
	}
	if err := q.store.CreateEscalation(esc); err != nil {
		return nil, err
	}
	return esc, nil
}

func escalationTitle(event model.DetectionEvent) string {
	switch event.Kind {
	case model.DetectionAuthRequired:
		return "Agent requires authentication (" + event.AuthProvider + ")"
	case model.DetectionError:
		return "Agent reported a " + string(event.Severity) + " error"
	case model.DetectionTestFailure:
		return "Task failed tests repeatedly"
	case model.DetectionStuck:
		return "Agent appears stuck"
	case model.DetectionCrash:
		return "Agent sandbox crashed repeatedly"
	default:
		return "Agent escalation"
	}
}

// Create persists an already-assembled Escalation as-is, for callers
// like the Budget Tracker that know their own type/priority/context
// rather than deriving them from a DetectionEvent.
func (q *Queue) Create(esc *model.Escalation) (*model.Escalation, error) {
	if err := q.store.CreateEscalation(esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// ShouldNotify is true iff priority is critical, or priority is high
// and the escalation has been assigned to someone — matching spec.md
// §4.12's notification predicate exactly.
func ShouldNotify(esc *model.Escalation) bool {
	if esc.Priority == model.EscPriorityCritical {
		return true
	}
	return esc.Priority == model.EscPriorityHigh && esc.AssignedTo != ""
}

// IsDue is true unless the escalation is snoozed and the snooze window
// hasn't elapsed yet.
func IsDue(esc *model.Escalation, now time.Time) bool {
	if esc.Status != model.EscSnoozed {
		return true
	}
	if esc.SnoozedUntil == nil {
		return true
	}
	return !now.Before(*esc.SnoozedUntil)
}
