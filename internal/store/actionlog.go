package store

import (
	"database/sql"
	"encoding/json"

	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/google/uuid"
)

const actionLogColumns = `id, project_id, action, trigger_event, outcome, outcome_details, retries, executed_at`
const actionLogSelect = `SELECT ` + actionLogColumns + ` FROM action_log`

// AppendActionLog records the outcome of an autonomous action executed
// by the Action Executor (C11). Append-only, mirroring cost events.
func (s *Store) AppendActionLog(e *model.ActionLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	trigger, err := json.Marshal(e.TriggerEvent)
	if err != nil {
		return err
	}
	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		_, err := tx.Exec(`
			INSERT INTO action_log (id, project_id, action, trigger_event, outcome, outcome_details, retries, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.ProjectID, e.Action, string(trigger), e.Outcome, e.OutcomeDetails, e.Retries, e.ExecutedAt)
		if err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("action:logged", e.ID, e.ProjectID, nil, e), nil
	})
}

// ListActionLog returns the action history for a project, newest first.
func (s *Store) ListActionLog(projectID string) ([]*model.ActionLogEntry, error) {
	rows, err := s.db.Query(actionLogSelect+" WHERE project_id = ? ORDER BY executed_at DESC", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ActionLogEntry
	for rows.Next() {
		var e model.ActionLogEntry
		var trigger string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &trigger, &e.Outcome, &e.OutcomeDetails, &e.Retries, &e.ExecutedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(trigger), &e.TriggerEvent)
		out = append(out, &e)
	}
	return out, rows.Err()
}
