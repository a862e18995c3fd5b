package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
)

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(t *model.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = model.TaskPending
	}

	return s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		if err := upsertTask(tx, t); err != nil {
			return eventbus.Event{}, err
		}
		return eventbus.New("task:created", t.ID, t.ProjectID, nil, t), nil
	})
}

// GetTask returns a task by ID, or a NotFound apierr.
func (s *Store) GetTask(id string) (*model.Task, error) {
	row := s.db.QueryRow(taskSelect+" WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("task %s", id)
	}
	return t, err
}

// ListTasksByStatus returns tasks in a project matching status, ordered
// by priority (critical first) then createdAt ascending.
func (s *Store) ListTasksByStatus(projectID string, status model.TaskStatus) ([]*model.Task, error) {
	rows, err := s.db.Query(taskSelect+" WHERE project_id = ? AND status = ?", projectID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
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
	return all, nil
}

// ListTasksByAgent returns every task currently assigned to agentID.
func (s *Store) ListTasksByAgent(agentID string) ([]*model.Task, error) {
	rows, err := s.db.Query(taskSelect+" WHERE assigned_to = ?", agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns every task in a project.
func (s *Store) ListTasks(projectID string) ([]*model.Task, error) {
	rows, err := s.db.Query(taskSelect+" WHERE project_id = ?", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ClaimTask atomically transitions a task from pending to claimed,
// assigning it to agentID. Fails with Conflict if the task is not
// pending. This is the only state transition that may originate a task's
// AssignedTo field.
func (s *Store) ClaimTask(taskID, agentID string) (*model.Task, error) {
	var result *model.Task
	err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		t, err := scanTask(tx.QueryRow(taskSelect+" WHERE id = ?", taskID))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("task %s", taskID)
		}
		if err != nil {
			return eventbus.Event{}, err
		}
		if t.Status != model.TaskPending {
			return eventbus.Event{}, apierr.Conflict("task %s is %s, not pending", taskID, t.Status)
		}

		before := *t
		t.Status = model.TaskClaimed
		t.AssignedTo = agentID
		t.UpdatedAt = time.Now()
		if err := upsertTask(tx, t); err != nil {
			return eventbus.Event{}, err
		}
		result = t
		return eventbus.New("task:updated", t.ID, t.ProjectID, &before, t), nil
	})
	return result, err
}

// TransitionTask moves a task to newStatus, clearing AssignedTo when the
// new status does not require an assignee (see Task.RequiresAssignee).
// Used for in_progress/completed/failed/blocked transitions driven by
// agent progress or the Action Executor.
func (s *Store) TransitionTask(taskID string, newStatus model.TaskStatus) (*model.Task, error) {
	var result *model.Task
	err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		t, err := scanTask(tx.QueryRow(taskSelect+" WHERE id = ?", taskID))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("task %s", taskID)
		}
		if err != nil {
			return eventbus.Event{}, err
		}

		before := *t
		t.Status = newStatus
		if !t.RequiresAssignee() {
			t.AssignedTo = ""
		}
		t.UpdatedAt = time.Now()
		if err := upsertTask(tx, t); err != nil {
			return eventbus.Event{}, err
		}
		result = t

		kind := eventbus.Kind("task:updated")
		switch newStatus {
		case model.TaskCompleted:
			kind = "task:completed"
		case model.TaskFailed:
			kind = "task:failed"
		}
		return eventbus.New(kind, t.ID, t.ProjectID, &before, t), nil
	})
	return result, err
}

// ReassignTask moves a task to a new agent, incrementing
// ReassignmentCount and recording the reassignment reason in metadata.
// Used by the Task Reassigner (C7) after a grace period elapses.
func (s *Store) ReassignTask(taskID, newAgentID, projectID, reason string) (*model.Task, error) {
	var result *model.Task
	err := s.mutate(func(tx *sql.Tx) (eventbus.Event, error) {
		t, err := scanTask(tx.QueryRow(taskSelect+" WHERE id = ?", taskID))
		if err == sql.ErrNoRows {
			return eventbus.Event{}, apierr.NotFound("task %s", taskID)
		}
		if err != nil {
			return eventbus.Event{}, err
		}

		before := *t
		t.AssignedTo = newAgentID
		t.ReassignmentCount++
		t.Status = model.TaskClaimed
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		t.Metadata["lastReassignReason"] = reason
		t.UpdatedAt = time.Now()
		if err := upsertTask(tx, t); err != nil {
			return eventbus.Event{}, err
		}
		result = t
		return eventbus.New("task:updated", t.ID, projectID, &before, t), nil
	})
	return result, err
}

// GetOrphanedTasks returns tasks whose assigned agent is offline or has
// no registered profile at all, used by the Task Reassigner to find work
// to redistribute.
func (s *Store) GetOrphanedTasks(projectID string) ([]*model.Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.project_id = ?
		  AND t.status IN ('claimed', 'in_progress', 'blocked')
		  AND t.assigned_to != ''
		  AND (
			NOT EXISTS (SELECT 1 FROM agents a WHERE a.id = t.assigned_to)
			OR EXISTS (SELECT 1 FROM agents a WHERE a.id = t.assigned_to AND a.status = 'offline')
		  )
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTaskReassignmentCount is a convenience accessor used by the Task
// Reassigner to enforce the max-retries bound (invariant 3).
func (s *Store) GetTaskReassignmentCount(taskID string) (int, error) {
	t, err := s.GetTask(taskID)
	if err != nil {
		return 0, err
	}
	return t.ReassignmentCount, nil
}

const taskColumns = `id, project_id, title, description, status, priority, assigned_to, dependencies, files, tags, metadata, created_at, updated_at, reassignment_count`
const taskSelect = `SELECT ` + taskColumns + ` FROM tasks`

func upsertTask(tx *sql.Tx, t *model.Task) error {
	deps, _ := json.Marshal(t.Dependencies)
	files, _ := json.Marshal(t.Files)
	tags, _ := json.Marshal(t.Tags)
	meta, _ := json.Marshal(t.Metadata)

	_, err := tx.Exec(`
		INSERT INTO tasks (id, project_id, title, description, status, priority, assigned_to, dependencies, files, tags, metadata, created_at, updated_at, reassignment_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, status=excluded.status,
			priority=excluded.priority, assigned_to=excluded.assigned_to, dependencies=excluded.dependencies,
			files=excluded.files, tags=excluded.tags, metadata=excluded.metadata,
			updated_at=excluded.updated_at, reassignment_count=excluded.reassignment_count
	`, t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.AssignedTo,
		string(deps), string(files), string(tags), string(meta), t.CreatedAt, t.UpdatedAt, t.ReassignmentCount)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var deps, files, tags, meta string
	var assignedTo sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&assignedTo, &deps, &files, &tags, &meta, &t.CreatedAt, &t.UpdatedAt, &t.ReassignmentCount); err != nil {
		return nil, err
	}
	t.AssignedTo = assignedTo.String
	json.Unmarshal([]byte(deps), &t.Dependencies)
	json.Unmarshal([]byte(files), &t.Files)
	json.Unmarshal([]byte(tags), &t.Tags)
	json.Unmarshal([]byte(meta), &t.Metadata)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
