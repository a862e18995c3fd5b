package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
)

const agentColumns = `id, name, provider, model, capabilities, cost_input, cost_output, status, last_heartbeat, metadata`
const agentSelect = `SELECT ` + agentColumns + ` FROM agents`

// RegisterAgent inserts or replaces an agent profile.
func (s *Store) RegisterAgent(a *model.AgentProfile) error {
	if a.Status == "" {
		a.Status = model.AgentIdle
	}
	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		if err := upsertAgent(tx, a); err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("agent:registered", a.ID, "", nil, a), nil
	})
}

// GetAgent returns a single agent profile by ID.
func (s *Store) GetAgent(id string) (*model.AgentProfile, error) {
	a, err := scanAgent(s.db.QueryRow(agentSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("agent %s", id)
	}
	return a, err
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents() ([]*model.AgentProfile, error) {
	rows, err := s.db.Query(agentSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgents(rows)
}

// UpdateAgentStatus transitions an agent's status, used by the Health
// Monitor (C6) on heartbeat-age classification changes.
func (s *Store) UpdateAgentStatus(agentID string, status model.AgentStatus) (*model.AgentProfile, error) {
	var result *model.AgentProfile
	err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		a, err := scanAgent(tx.QueryRow(agentSelect+" WHERE id = ?", agentID))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("agent %s", agentID)
		}
		if err != nil {
			return eventbus.Event{}, err
		}
		before := *a
		a.Status = status
		if err := upsertAgent(tx, a); err != nil {
			return eventbus.Event{}, err
		}
		result = a
		return eventbus.New("agent:status_changed", a.ID, "", &before, a), nil
	})
	return result, err
}

// RecordHeartbeat bumps an agent's LastHeartbeat to now and marks it idle
// if it was previously offline.
func (s *Store) RecordHeartbeat(agentID string, at time.Time) (*model.AgentProfile, error) {
	var result *model.AgentProfile
	err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		a, err := scanAgent(tx.QueryRow(agentSelect+" WHERE id = ?", agentID))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("agent %s", agentID)
		}
		if err != nil {
			return eventbus.Event{}, err
		}
		before := *a
		a.LastHeartbeat = &at
		if a.Status == model.AgentOffline {
			a.Status = model.AgentIdle
		}
		if err := upsertAgent(tx, a); err != nil {
			return eventbus.Event{}, err
		}
		result = a
		return eventbus.New("agent:heartbeat", a.ID, "", &before, a), nil
	})
	return result, err
}

func upsertAgent(tx *sql.Tx, a *model.AgentProfile) error {
	caps, _ := json.Marshal(a.Capabilities)
	meta, _ := json.Marshal(a.Metadata)
	var hb interface{}
	if a.LastHeartbeat != nil {
		hb = *a.LastHeartbeat
	}
	_, err := tx.Exec(`
		INSERT INTO agents (id, name, provider, model, capabilities, cost_input, cost_output, status, last_heartbeat, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, provider=excluded.provider, model=excluded.model,
			capabilities=excluded.capabilities, cost_input=excluded.cost_input, cost_output=excluded.cost_output,
			status=excluded.status, last_heartbeat=excluded.last_heartbeat, metadata=excluded.metadata
	`, a.ID, a.Name, a.Provider, a.Model, string(caps), a.CostPerToken.Input, a.CostPerToken.Output, a.Status, hb, string(meta))
	return err
}

func scanAgent(row rowScanner) (*model.AgentProfile, error) {
	var a model.AgentProfile
	var caps, meta string
	var hb sql.NullTime
	if err := row.Scan(&a.ID, &a.Name, &a.Provider, &a.Model, &caps, &a.CostPerToken.Input, &a.CostPerToken.Output, &a.Status, &hb, &meta); err != nil {
		return nil, err
	}
	if hb.Valid {
		t := hb.Time
		a.LastHeartbeat = &t
	}
	json.Unmarshal([]byte(caps), &a.Capabilities)
	json.Unmarshal([]byte(meta), &a.Metadata)
	return &a, nil
}

func scanAgents(rows *sql.Rows) ([]*model.AgentProfile, error) {
	var out []*model.AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
