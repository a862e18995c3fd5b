// Package decision implements the Decision Engine (C10): an ordered
// rule table mapping a DetectionEvent plus per-agent state onto either
// an autonomous action or an escalation.
//
// The shape carries over directly from CLIAIMONITOR's
// StandardDecisionEngine (internal/supervisor/decision.go):
// AnalyzeReport becomes Evaluate, RequiresEscalation keeps its name and
// role, and the rule-table-in-code style is unchanged, re-targeted from
// recon-findings-to-action-plan onto detection-event-to-decision.
package decision

import (
	"sync"
	"time"

	"github.com/coderelay/orchestrator/internal/model"
	"github.com/google/uuid"
)

// AgentState tracks the counters the rule table consults, grounded on
// the shape of the teacher's spawner agentCounters map.
type AgentState struct {
	StuckPromptAttempts int
	TaskRetryCounts     map[string]int
	CrashRestartCount   int
	LastCrashAt         time.Time
}

func newAgentState() *AgentState {
	return &AgentState{TaskRetryCounts: make(map[string]int)}
}

// DefaultCrashCooldown is the minimum time between crash restarts before
// a repeat crash escalates instead of auto-restarting.
const DefaultCrashCooldown = 60 * time.Second

const maxStuckPromptAttempts = 2
const maxTaskRetries = 3
const maxCrashRestarts = 3

// routineActions are allowed autonomously at full_auto and supervised
// levels, per spec.md's autonomy allowance table.
var routineActions = map[model.ActionType]bool{
	model.ActionPromptAgent:  true,
	model.ActionRetryTask:    true,
	model.ActionReassignTask: true,
	model.ActionCleanupLocks: true,
}

// outcomeContext is what RecordOutcome needs to reset the right counter
// for a metricId recorded at Evaluate time.
type outcomeContext struct {
	agentID string
	taskID  string
	action  model.ActionType
}

// StandardDecisionEngine evaluates detection events against the rule
// table and tracks per-agent state across calls.
type StandardDecisionEngine struct {
	crashCooldown time.Duration

	mu       sync.Mutex
	agents   map[string]*AgentState
	pending  map[string]outcomeContext
	stats    *MetricsTracker
}

// New constructs a StandardDecisionEngine. Zero crashCooldown uses
// DefaultCrashCooldown.
func New(crashCooldown time.Duration) *StandardDecisionEngine {
	if crashCooldown <= 0 {
		crashCooldown = DefaultCrashCooldown
	}
	return &StandardDecisionEngine{
		crashCooldown: crashCooldown,
		agents:        make(map[string]*AgentState),
		pending:       make(map[string]outcomeContext),
		stats:         NewMetricsTracker(),
	}
}

func (e *StandardDecisionEngine) stateFor(agentID string) *AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.agents[agentID]
	if !ok {
		s = newAgentState()
		e.agents[agentID] = s
	}
	return s
}

// Evaluate applies the rule table to a detection event and produces a
// Decision, downgraded to escalate if the project's autonomy level
// doesn't permit the chosen action. Rules are evaluated in order; the
// first match wins.
func (e *StandardDecisionEngine) Evaluate(evt model.DetectionEvent, autonomy model.AutonomyLevel, now time.Time) *model.Decision {
	state := e.stateFor(evt.AgentID)

	e.mu.Lock()
	d := e.decide(evt, state, now)
	e.mu.Unlock()

	d.AutonomyLevel = autonomy
	e.applyAutonomyOverride(d, autonomy)

	d.ID = uuid.New().String()
	d.TriggerEvent = evt
	d.CreatedAt = now
	d.Status = model.DecisionPending
	d.MetricID = uuid.New().String()

	if d.Action == model.ActionAutonomous {
		e.mu.Lock()
		e.pending[d.MetricID] = outcomeContext{agentID: evt.AgentID, taskID: evt.TaskID, action: d.ActionType}
		e.mu.Unlock()
	}

	e.stats.Record(evt.Kind, d)
	return d
}

// decide implements the rule table verbatim (spec.md §4.10). Caller
// holds e.mu.
func (e *StandardDecisionEngine) decide(evt model.DetectionEvent, state *AgentState, now time.Time) *model.Decision {
	switch evt.Kind {
	case model.DetectionAuthRequired:
		return escalate(string(model.EscPriorityCritical))

	case model.DetectionError:
		if evt.Severity == model.SeverityFatal {
			return escalate(string(model.EscPriorityCritical))
		}
		return autonomous(model.ActionPromptAgent)

	case model.DetectionTestFailure:
		retries := state.TaskRetryCounts[evt.TaskID]
		if retries < maxTaskRetries {
			state.TaskRetryCounts[evt.TaskID] = retries + 1
			return autonomous(model.ActionRetryTask)
		}
		return escalate(string(model.EscPriorityHigh))

	case model.DetectionStuck:
		if state.StuckPromptAttempts < maxStuckPromptAttempts {
			state.StuckPromptAttempts++
			return autonomous(model.ActionPromptAgent)
		}
		return escalate(string(model.EscPriorityHigh))

	case model.DetectionCrash:
		if state.CrashRestartCount < maxCrashRestarts && now.Sub(state.LastCrashAt) >= e.crashCooldown {
			state.CrashRestartCount++
			state.LastCrashAt = now
			return autonomous(model.ActionRestartAgent)
		}
		return escalate(string(model.EscPriorityHigh))
	}

	return escalate(string(model.EscPriorityNormal))
}

func autonomous(action model.ActionType) *model.Decision {
	return &model.Decision{Action: model.ActionAutonomous, ActionType: action}
}

func escalate(priority string) *model.Decision {
	return &model.Decision{Action: model.ActionEscalate, Priority: priority}
}

// applyAutonomyOverride downgrades an autonomous decision to escalate
// when the project's autonomy level doesn't permit actionType, per the
// allowance table in spec.md §4.10.
func (e *StandardDecisionEngine) applyAutonomyOverride(d *model.Decision, autonomy model.AutonomyLevel) {
	if d.Action != model.ActionAutonomous {
		return
	}
	if e.isAllowed(d.ActionType, autonomy) {
		return
	}
	d.Action = model.ActionEscalate
	if d.Priority == "" {
		d.Priority = string(model.EscPriorityNormal)
	}
	d.ActionType = ""
}

// isAllowed reports whether actionType may execute immediately and
// autonomously at the given autonomy level. spec.md §4.10's allowance
// table grants no level unconditional autonomy over critical actions
// (restart_agent): even full_auto requires approval first, so a
// critical action downgrades to escalation at every level, same as
// supervised. Only routine actions (prompt_agent, retry_task,
// reassign_task, cleanup_locks) ever run without that gate.
func (e *StandardDecisionEngine) isAllowed(action model.ActionType, autonomy model.AutonomyLevel) bool {
	routine := routineActions[action]
	switch autonomy {
	case model.AutonomyFullAuto, model.AutonomySupervised:
		return routine
	case model.AutonomyAssisted, model.AutonomyManual:
		return false
	default:
		return false
	}
}

// RecordOutcome records whether the autonomous action identified by
// metricId succeeded, resetting the corresponding counter on success:
// prompt_agent resets stuckPromptAttempts, retry_task resets the task's
// retry count. Unknown metricIds (e.g. for escalated decisions, which
// were never autonomous actions) are a no-op on the counters but still
// recorded in the stats tracker.
func (e *StandardDecisionEngine) RecordOutcome(metricID string, success bool) {
	e.mu.Lock()
	ctx, ok := e.pending[metricID]
	if ok {
		delete(e.pending, metricID)
	}
	e.mu.Unlock()

	if ok && success {
		state := e.stateFor(ctx.agentID)
		e.mu.Lock()
		switch ctx.action {
		case model.ActionPromptAgent:
			state.StuckPromptAttempts = 0
		case model.ActionRetryTask:
			delete(state.TaskRetryCounts, ctx.taskID)
		}
		e.mu.Unlock()
	}

	action := model.ActionType("")
	if ok {
		action = ctx.action
	}
	e.stats.RecordOutcome(action, success)
}

// Stats exposes the metrics tracker for read access.
func (e *StandardDecisionEngine) Stats() *MetricsTracker {
	return e.stats
}
