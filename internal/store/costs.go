package store

import (
	"database/sql"

	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/google/uuid"
)

const costColumns = `id, project_id, agent_id, task_id, model, tokens_input, tokens_output, cost, created_at`
const costSelect = `SELECT ` + costColumns + ` FROM cost_events`

// AppendCostEvent records a token-usage charge against a project. Cost
// events are append-only; there is no update or delete path, per spec.md
// §4.13.
func (s *Store) AppendCostEvent(e *model.CostEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		_, err := tx.Exec(`
			INSERT INTO cost_events (id, project_id, agent_id, task_id, model, tokens_input, tokens_output, cost, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.ProjectID, e.AgentID, e.TaskID, e.Model, e.TokensInput, e.TokensOutput, e.Cost, e.CreatedAt)
		if err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("cost:recorded", e.ID, e.ProjectID, nil, e), nil
	})
}

// TotalSpend sums every cost event recorded for a project, used by the
// Budget & Cost Ledger (C13) to detect threshold crossings.
func (s *Store) TotalSpend(projectID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(cost) FROM cost_events WHERE project_id = ?`, projectID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// ListCostEvents returns every cost event for a project, oldest first.
func (s *Store) ListCostEvents(projectID string) ([]*model.CostEvent, error) {
	rows, err := s.db.Query(costSelect+" WHERE project_id = ? ORDER BY created_at ASC", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CostEvent
	for rows.Next() {
		var e model.CostEvent
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.AgentID, &e.TaskID, &e.Model, &e.TokensInput, &e.TokensOutput, &e.Cost, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
