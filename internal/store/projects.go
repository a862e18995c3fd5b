package store

import (
	"database/sql"
	"encoding/json"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
)

const projectColumns = `id, name, conflict_strategy, autonomy_level, budget_total, budget_alert_pct, zone_config`
const projectSelect = `SELECT ` + projectColumns + ` FROM projects`

// CreateProject registers a project's conflict strategy, autonomy level,
// budget, and zone configuration.
func (s *Store) CreateProject(p *model.Project) error {
	if p.ConflictStrategy == "" {
		p.ConflictStrategy = model.ConflictLock
	}
	if p.AutonomyLevel == "" {
		p.AutonomyLevel = model.AutonomySupervised
	}
	if p.ZoneConfig.DefaultPolicy == "" {
		p.ZoneConfig.DefaultPolicy = model.PolicyDeny
	}
	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		if err := upsertProject(tx, p); err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("project:created", p.ID, p.ID, nil, p), nil
	})
}

// GetProject returns a project's configuration by ID.
func (s *Store) GetProject(id string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRow(projectSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("project %s", id)
	}
	return p, err
}

// UpdateProject replaces a project's stored configuration wholesale,
// used when the autonomy level or zone map changes.
func (s *Store) UpdateProject(p *model.Project) error {
	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		before, err := scanProject(tx.QueryRow(projectSelect+" WHERE id = ?", p.ID))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("project %s", p.ID)
		}
		if err != nil {
			return eventbus.Event{}, err
		}
		if err := upsertProject(tx, p); err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("project:updated", p.ID, p.ID, before, p), nil
	})
}

func upsertProject(tx *sql.Tx, p *model.Project) error {
	zc, _ := json.Marshal(p.ZoneConfig)
	var budgetTotal, budgetAlert sql.NullFloat64
	if p.Budget != nil {
		budgetTotal = sql.NullFloat64{Float64: p.Budget.Total, Valid: true}
		budgetAlert = sql.NullFloat64{Float64: p.Budget.AlertThresholdPct, Valid: true}
	}
	_, err := tx.Exec(`
		INSERT INTO projects (id, name, conflict_strategy, autonomy_level, budget_total, budget_alert_pct, zone_config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, conflict_strategy=excluded.conflict_strategy, autonomy_level=excluded.autonomy_level,
			budget_total=excluded.budget_total, budget_alert_pct=excluded.budget_alert_pct, zone_config=excluded.zone_config
	`, p.ID, p.Name, p.ConflictStrategy, p.AutonomyLevel, budgetTotal, budgetAlert, string(zc))
	return err
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var zc string
	var budgetTotal, budgetAlert sql.NullFloat64
	if err := row.Scan(&p.ID, &p.Name, &p.ConflictStrategy, &p.AutonomyLevel, &budgetTotal, &budgetAlert, &zc); err != nil {
		return nil, err
	}
	if budgetTotal.Valid {
		p.Budget = &model.Budget{Total: budgetTotal.Float64, AlertThresholdPct: budgetAlert.Float64}
	}
	json.Unmarshal([]byte(zc), &p.ZoneConfig)
	return &p, nil
}
