// Package reassign implements the Task Reassigner (C7): on an agent's
// offline transition, it gives tasks a grace period before handing them
// to a capability-matched replacement.
//
// Grounded on internal/supervisor/dispatcher.go (CLIAIMONITOR)'s
// dispatchState map (mutex-guarded, one cancel func per in-flight unit
// of work) generalized from "cancel a dispatch" to "cancel a pending
// reassignment timer".
package reassign

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/capability"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
)

// DefaultGracePeriod is the delay between an offline detection and
// acting on its orphaned tasks.
const DefaultGracePeriod = 300 * time.Second

// DefaultMaxReassignments bounds how many times a task may be handed to
// a new agent before it is left for a human (invariant 3).
const DefaultMaxReassignments = 3

// Store is the subset of the State Store the reassigner needs.
type Store interface {
	GetAgent(id string) (*model.AgentProfile, error)
	ListAgents() ([]*model.AgentProfile, error)
	GetTask(id string) (*model.Task, error)
	GetOrphanedTasks(projectID string) ([]*model.Task, error)
	GetTaskReassignmentCount(taskID string) (int, error)
	ReassignTask(taskID, newAgentID, projectID, reason string) (*model.Task, error)
}

// Reassigner subscribes to status:offline and schedules reassignment
// timers for the affected agent's orphaned tasks.
type Reassigner struct {
	store            Store
	bus              *eventbus.Bus
	gracePeriod      time.Duration
	maxReassignments int

	mu      sync.Mutex
	pending map[string]context.CancelFunc // taskId -> cancel
}

// New constructs a Reassigner. Zero gracePeriod/maxReassignments use the
// package defaults.
func New(store Store, bus *eventbus.Bus, gracePeriod time.Duration, maxReassignments int) *Reassigner {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if maxReassignments <= 0 {
		maxReassignments = DefaultMaxReassignments
	}
	return &Reassigner{
		store:            store,
		bus:              bus,
		gracePeriod:      gracePeriod,
		maxReassignments: maxReassignments,
		pending:          make(map[string]context.CancelFunc),
	}
}

// Run subscribes to status:offline events and processes them until ctx
// is cancelled, at which point every scheduled timer is cancelled too.
func (r *Reassigner) Run(ctx context.Context) {
	id, ch := r.bus.Subscribe("status:offline")
	defer r.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			r.stop()
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			agentID, _ := evt.Payload["agentId"].(string)
			if agentID == "" {
				agentID = evt.EntityID
			}
			r.handleOffline(ctx, agentID, evt.ProjectID)
		}
	}
}

func (r *Reassigner) handleOffline(ctx context.Context, agentID, projectID string) {
	tasks, err := r.store.GetOrphanedTasks(projectID)
	if err != nil {
		log.Printf("[REASSIGN] get orphaned tasks for %s: %v", agentID, err)
		return
	}

	for _, task := range tasks {
		if task.AssignedTo != agentID {
			continue
		}
		r.schedule(ctx, task, agentID)
	}
}

func (r *Reassigner) schedule(parent context.Context, task *model.Task, offlineAgentID string) {
	r.mu.Lock()
	if _, already := r.pending[task.ID]; already {
		r.mu.Unlock()
		return
	}

	if task.ReassignmentCount >= r.maxReassignments {
		r.mu.Unlock()
		r.bus.Publish(eventbus.Event{
			Kind:      "reassignment:max-reached",
			EntityID:  task.ID,
			ProjectID: task.ProjectID,
			CreatedAt: time.Now(),
			Payload:   map[string]interface{}{"taskId": task.ID, "reassignmentCount": task.ReassignmentCount},
		})
		return
	}

	timerCtx, cancel := context.WithCancel(parent)
	r.pending[task.ID] = cancel
	r.mu.Unlock()

	go r.waitAndReassign(timerCtx, task, offlineAgentID)
}

func (r *Reassigner) waitAndReassign(ctx context.Context, task *model.Task, offlineAgentID string) {
	taskID, projectID := task.ID, task.ProjectID
	defer r.clearPending(taskID)

	timer := time.NewTimer(r.gracePeriod)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	agent, err := r.store.GetAgent(offlineAgentID)
	if err == nil && agent.Status != model.AgentOffline {
		return // agent came back; no reassignment
	}

	count, err := r.store.GetTaskReassignmentCount(taskID)
	if err != nil {
		log.Printf("[REASSIGN] recheck reassignment count for %s: %v", taskID, err)
		return
	}
	if count >= r.maxReassignments {
		r.bus.Publish(eventbus.Event{
			Kind:      "reassignment:max-reached",
			EntityID:  taskID,
			ProjectID: projectID,
			CreatedAt: time.Now(),
		})
		return
	}

	agents, err := r.store.ListAgents()
	if err != nil {
		log.Printf("[REASSIGN] list agents: %v", err)
		return
	}
	required := capability.ExtractRequiredCapabilities(task.Tags, taskMetadataToInterface(task.Metadata))
	best, _, ok := capability.FindBestAgent(agents, required, capability.FindOptions{
		ExcludeAgentIDs: map[string]struct{}{offlineAgentID: {}},
	})
	if !ok {
		r.bus.Publish(eventbus.Event{
			Kind:      "reassignment:failed",
			EntityID:  taskID,
			ProjectID: projectID,
			CreatedAt: time.Now(),
			Payload:   map[string]interface{}{"reason": "no eligible replacement agent"},
		})
		return
	}

	if _, err := r.store.ReassignTask(taskID, best.ID, projectID, "agent "+offlineAgentID+" offline past grace period"); err != nil {
		r.bus.Publish(eventbus.Event{
			Kind:      "reassignment:failed",
			EntityID:  taskID,
			ProjectID: projectID,
			CreatedAt: time.Now(),
			Payload:   map[string]interface{}{"reason": err.Error()},
		})
	}
}

// ReassignNow performs an immediate reassignment of taskID to the
// best capability-matched agent other than excludeAgentID, bypassing
// the grace-period timer. Used by the Action Executor's reassign_task
// action (spec.md §4.11), which reassigns on the Decision Engine's say
// rather than waiting out an offline grace period.
func (r *Reassigner) ReassignNow(ctx context.Context, taskID, excludeAgentID string) error {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.ReassignmentCount >= r.maxReassignments {
		return apierr.Conflict("task %s has reached its reassignment limit", taskID)
	}

	agents, err := r.store.ListAgents()
	if err != nil {
		return err
	}
	required := capability.ExtractRequiredCapabilities(task.Tags, taskMetadataToInterface(task.Metadata))
	best, _, ok := capability.FindBestAgent(agents, required, capability.FindOptions{
		ExcludeAgentIDs: map[string]struct{}{excludeAgentID: {}},
	})
	if !ok {
		return apierr.Conflict("no eligible replacement agent for task %s", taskID)
	}

	_, err = r.store.ReassignTask(taskID, best.ID, task.ProjectID, "reassigned by decision engine")
	return err
}

// taskMetadataToInterface adapts a Task's flat string metadata map to the
// map[string]interface{} shape capability.ExtractRequiredCapabilities
// expects (designed around AgentProfile.Metadata's richer type). Task
// metadata values are plain strings, so the "requiredCapabilities" list
// convention only ever applies via the "requires:<cap>" tag path for
// tasks; this conversion exists so both callers share the same
// extraction function rather than duplicating the tag-parsing logic.
func taskMetadataToInterface(metadata map[string]string) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func (r *Reassigner) clearPending(taskID string) {
	r.mu.Lock()
	delete(r.pending, taskID)
	r.mu.Unlock()
}

// stop cancels every scheduled timer. Safe to call more than once.
func (r *Reassigner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID, cancel := range r.pending {
		cancel()
		delete(r.pending, taskID)
	}
}
