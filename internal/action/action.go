// Package action implements the Action Executor (C11): it takes a
// Decision's chosen ActionType and the triggering DetectionEvent and
// carries out the concrete side effect against the state store,
// sandbox manager, and task reassigner.
//
// Grounded on CLIAIMONITOR's internal/supervisor/executor.go (reads,
// generalized: the teacher's Executor applies an ActionPlan's agent
// recommendations; ours executes a single Decision.ActionType) plus the
// retry-with-backoff idiom from the Sandbox Manager's create retry.
package action

import (
	"context"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/google/uuid"
)

// DefaultRetryBackoff is the pause between action retries on transient
// failure.
const DefaultRetryBackoff = 500 * time.Millisecond

// DefaultMaxRetries bounds how many times an action is retried after
// its first attempt.
const DefaultMaxRetries = 2

// Store is the subset of the state store the executor needs.
type Store interface {
	GetTask(id string) (*model.Task, error)
	TransitionTask(id string, status model.TaskStatus) (*model.Task, error)
	SweepExpiredLocks(now time.Time) ([]*model.FileLock, error)
	ReleaseLock(path, agentID string) error
	AppendActionLog(e *model.ActionLogEntry) error
}

// SandboxManager is the subset of the sandbox manager the executor
// needs for restart_agent.
type SandboxManager interface {
	Kill(ctx context.Context, sandboxID string) error
}

// Reassigner delegates reassign_task to the Task Reassigner's
// synchronous selection path.
type Reassigner interface {
	ReassignNow(ctx context.Context, taskID, excludeAgentID string) error
}

// Notifier sends a heartbeat/prompt message to a running agent for
// prompt_agent. A narrow MCP-style client, per spec.md §4.11.
type Notifier interface {
	Prompt(ctx context.Context, agentID, message string) error
}

// Executor carries out Actions and writes an ActionLogEntry for each.
type Executor struct {
	store      Store
	sandboxes  SandboxManager
	reassigner Reassigner
	notifier   Notifier
	backoff    time.Duration
	maxRetries int
}

// New constructs an Executor. Zero backoff uses DefaultRetryBackoff;
// negative maxRetries is clamped to DefaultMaxRetries.
func New(store Store, sandboxes SandboxManager, reassigner Reassigner, notifier Notifier, backoff time.Duration, maxRetries int) *Executor {
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Executor{store: store, sandboxes: sandboxes, reassigner: reassigner, notifier: notifier, backoff: backoff, maxRetries: maxRetries}
}

// Execute carries out action against triggerEvent's context, retrying
// transient failures up to e.maxRetries times with e.backoff between
// attempts, and always writes exactly one ActionLogEntry.
func (e *Executor) Execute(ctx context.Context, projectID string, actionType model.ActionType, triggerEvent model.DetectionEvent) (*model.ActionLogEntry, error) {
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			retries++
			select {
			case <-time.After(e.backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				goto done
			}
		}

		lastErr = e.dispatch(ctx, actionType, triggerEvent)
		if lastErr == nil {
			break
		}
		if !apierr.Is(lastErr, apierr.KindTransient) {
			break
		}
	}

done:
	entry := &model.ActionLogEntry{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Action:       actionType,
		TriggerEvent: triggerEvent,
		Retries:      retries,
		ExecutedAt:   time.Now(),
	}
	if lastErr != nil {
		entry.Outcome = model.OutcomeFailure
		entry.OutcomeDetails = lastErr.Error()
	} else {
		entry.Outcome = model.OutcomeSuccess
	}

	if logErr := e.store.AppendActionLog(entry); logErr != nil {
		return entry, logErr
	}
	return entry, lastErr
}

func (e *Executor) dispatch(ctx context.Context, actionType model.ActionType, evt model.DetectionEvent) error {
	switch actionType {
	case model.ActionPromptAgent:
		return e.promptAgent(ctx, evt)
	case model.ActionRetryTask:
		return e.retryTask(ctx, evt)
	case model.ActionRestartAgent:
		return e.restartAgent(ctx, evt)
	case model.ActionReassignTask:
		return e.reassignTask(ctx, evt)
	case model.ActionCleanupLocks:
		return e.cleanupLocks(ctx)
	case model.ActionForceRelease:
		return e.forceReleaseLock(ctx, evt)
	default:
		return apierr.Validation("unknown action type %q", actionType)
	}
}

func (e *Executor) promptAgent(ctx context.Context, evt model.DetectionEvent) error {
	if e.notifier == nil {
		return apierr.Fatal("no notifier configured for prompt_agent")
	}
	return e.notifier.Prompt(ctx, evt.AgentID, "agent appears stuck or reported an error; please continue or report status")
}

// retryTask transitions a failed task back to pending (or a blocked
// task to in_progress), clearing assignedTo if the agent has died.
func (e *Executor) retryTask(ctx context.Context, evt model.DetectionEvent) error {
	task, err := e.store.GetTask(evt.TaskID)
	if err != nil {
		return err
	}
	next := model.TaskPending
	if task.Status == model.TaskBlocked {
		next = model.TaskInProgress
	}
	_, err = e.store.TransitionTask(evt.TaskID, next)
	return err
}

func (e *Executor) restartAgent(ctx context.Context, evt model.DetectionEvent) error {
	if e.sandboxes == nil {
		return apierr.Fatal("no sandbox manager configured for restart_agent")
	}
	return e.sandboxes.Kill(ctx, evt.SandboxID)
}

func (e *Executor) reassignTask(ctx context.Context, evt model.DetectionEvent) error {
	if e.reassigner == nil {
		return apierr.Fatal("no reassigner configured for reassign_task")
	}
	return e.reassigner.ReassignNow(ctx, evt.TaskID, evt.AgentID)
}

func (e *Executor) cleanupLocks(ctx context.Context) error {
	_, err := e.store.SweepExpiredLocks(time.Now())
	return err
}

func (e *Executor) forceReleaseLock(ctx context.Context, evt model.DetectionEvent) error {
	return e.store.ReleaseLock(evt.Output, evt.AgentID)
}
