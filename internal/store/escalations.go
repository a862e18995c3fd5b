package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/google/uuid"
)

const escColumns = `id, project_id, type, priority, status, title, context, agent_id, assigned_to, resolved_by, resolution, snoozed_until, created_at, resolved_at`
const escSelect = `SELECT ` + escColumns + ` FROM escalations`

// CreateEscalation inserts a new escalation, defaulting priority per
// model.DefaultPriorityFor when unset.
func (s *Store) CreateEscalation(e *model.Escalation) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Priority == "" {
		e.Priority = model.DefaultPriorityFor(e.Type)
	}
	if e.Status == "" {
		e.Status = model.EscPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		if err := upsertEscalation(tx, e); err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("escalation:created", e.ID, e.ProjectID, nil, e), nil
	})
}

// GetEscalation returns a single escalation by ID.
func (s *Store) GetEscalation(id string) (*model.Escalation, error) {
	e, err := scanEscalation(s.db.QueryRow(escSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("escalation %s", id)
	}
	return e, err
}

// ListEscalations returns every escalation for a project, highest
// priority first then oldest first.
func (s *Store) ListEscalations(projectID string) ([]*model.Escalation, error) {
	rows, err := s.db.Query(escSelect+" WHERE project_id = ?", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanEscalations(rows)
	if err != nil {
		return nil, err
	}
	sortEscalations(all)
	return all, nil
}

// ListPendingEscalations returns pending (not yet acknowledged/resolved)
// escalations for a project, sorted by priority then age.
func (s *Store) ListPendingEscalations(projectID string) ([]*model.Escalation, error) {
	rows, err := s.db.Query(escSelect+" WHERE project_id = ? AND status = ?", projectID, model.EscPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanEscalations(rows)
	if err != nil {
		return nil, err
	}
	sortEscalations(all)
	return all, nil
}

// ListCriticalEscalations returns unresolved critical-priority
// escalations across a project, used to drive loud notification paths.
func (s *Store) ListCriticalEscalations(projectID string) ([]*model.Escalation, error) {
	rows, err := s.db.Query(escSelect+" WHERE project_id = ? AND priority = ? AND status NOT IN (?, ?)",
		projectID, model.EscPriorityCritical, model.EscResolved, model.EscDismissed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanEscalations(rows)
	if err != nil {
		return nil, err
	}
	sortEscalations(all)
	return all, nil
}

// CountEscalationsByStatus returns a status -> count map for a project,
// used by dashboard summaries.
func (s *Store) CountEscalationsByStatus(projectID string) (map[model.EscalationStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM escalations WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.EscalationStatus]int{}
	for rows.Next() {
		var status model.EscalationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// AcknowledgeEscalation marks a pending escalation as acknowledged by an
// operator, recording who picked it up.
func (s *Store) AcknowledgeEscalation(id, assignedTo string) (*model.Escalation, error) {
	return s.transitionEscalation(id, func(e *model.Escalation) error {
		if e.Status != model.EscPending {
			return apierr.Conflict("escalation %s is %s, not pending", id, e.Status)
		}
		e.Status = model.EscAcknowledged
		e.AssignedTo = assignedTo
		return nil
	}, "escalation:acknowledged")
}

// SnoozeEscalation defers an escalation until a future time.
func (s *Store) SnoozeEscalation(id string, until time.Time) (*model.Escalation, error) {
	return s.transitionEscalation(id, func(e *model.Escalation) error {
		e.Status = model.EscSnoozed
		e.SnoozedUntil = &until
		return nil
	}, "escalation:snoozed")
}

// ResolveEscalation closes an escalation with a recorded resolution.
func (s *Store) ResolveEscalation(id, resolvedBy, resolution string) (*model.Escalation, error) {
	return s.transitionEscalation(id, func(e *model.Escalation) error {
		now := time.Now()
		e.Status = model.EscResolved
		e.ResolvedBy = resolvedBy
		e.Resolution = resolution
		e.ResolvedAt = &now
		return nil
	}, "escalation:resolved")
}

// DismissEscalation closes an escalation without a resolution.
func (s *Store) DismissEscalation(id, dismissedBy string) (*model.Escalation, error) {
	return s.transitionEscalation(id, func(e *model.Escalation) error {
		now := time.Now()
		e.Status = model.EscDismissed
		e.ResolvedBy = dismissedBy
		e.ResolvedAt = &now
		return nil
	}, "escalation:dismissed")
}

// EscalateExternal marks an escalation as pushed to an external channel
// (e.g. a paging system) beyond the in-app queue.
func (s *Store) EscalateExternal(id string) (*model.Escalation, error) {
	return s.transitionEscalation(id, func(e *model.Escalation) error {
		e.Status = model.EscEscalated
		return nil
	}, "escalation:escalated_external")
}

func (s *Store) transitionEscalation(id string, mutateFn func(*model.Escalation) error, kind eventbus.Kind) (*model.Escalation, error) {
	var result *model.Escalation
	err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		e, err := scanEscalation(tx.QueryRow(escSelect+" WHERE id = ?", id))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("escalation %s", id)
		}
		if err != nil {
			return eventbus.Event{}, err
		}
		before := *e
		if err := mutateFn(e); err != nil {
			return eventbus.Event{}, err
		}
		if err := upsertEscalation(tx, e); err != nil {
			return eventbus.Event{}, err
		}
		result = e
		return eventbus.New(kind, e.ID, e.ProjectID, &before, e), nil
	})
	return result, err
}

func sortEscalations(all []*model.Escalation) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0; j-- {
			a, b := all[j-1], all[j]
			if a.Priority.Rank() > b.Priority.Rank() || (a.Priority.Rank() == b.Priority.Rank() && a.CreatedAt.After(b.CreatedAt)) {
				all[j-1], all[j] = all[j], all[j-1]
			} else {
				break
			}
		}
	}
}

func upsertEscalation(tx *sql.Tx, e *model.Escalation) error {
	ctx, _ := json.Marshal(e.Context)
	_, err := tx.Exec(`
		INSERT INTO escalations (id, project_id, type, priority, status, title, context, agent_id, assigned_to, resolved_by, resolution, snoozed_until, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, priority=excluded.priority, status=excluded.status, title=excluded.title,
			context=excluded.context, agent_id=excluded.agent_id, assigned_to=excluded.assigned_to,
			resolved_by=excluded.resolved_by, resolution=excluded.resolution,
			snoozed_until=excluded.snoozed_until, resolved_at=excluded.resolved_at
	`, e.ID, e.ProjectID, e.Type, e.Priority, e.Status, e.Title, string(ctx), e.AgentID, e.AssignedTo,
		e.ResolvedBy, e.Resolution, e.SnoozedUntil, e.CreatedAt, e.ResolvedAt)
	return err
}

func scanEscalation(row rowScanner) (*model.Escalation, error) {
	var e model.Escalation
	var ctx string
	var agentID, assignedTo, resolvedBy, resolution sql.NullString
	var snoozedUntil, resolvedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Type, &e.Priority, &e.Status, &e.Title, &ctx,
		&agentID, &assignedTo, &resolvedBy, &resolution, &snoozedUntil, &e.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	e.AgentID = agentID.String
	e.AssignedTo = assignedTo.String
	e.ResolvedBy = resolvedBy.String
	e.Resolution = resolution.String
	if snoozedUntil.Valid {
		e.SnoozedUntil = &snoozedUntil.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	json.Unmarshal([]byte(ctx), &e.Context)
	return &e, nil
}

func scanEscalations(rows *sql.Rows) ([]*model.Escalation, error) {
	var out []*model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
