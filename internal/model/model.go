// Package model defines the entities shared across the orchestration core:
// projects, agents, tasks, locks, zones, cost events, detections, decisions,
// the action log, escalations, and sandbox instances. The State Store is
// the only component that persists these; everyone else receives read
// snapshots or issues mutation requests through it.
package model

import "time"

type ConflictStrategy string

const (
	ConflictLock   ConflictStrategy = "lock"
	ConflictMerge  ConflictStrategy = "merge"
	ConflictZone   ConflictStrategy = "zone"
	ConflictReview ConflictStrategy = "review"
)

type AutonomyLevel string

const (
	AutonomyFullAuto   AutonomyLevel = "full_auto"
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyAssisted   AutonomyLevel = "assisted"
	AutonomyManual     AutonomyLevel = "manual"
)

// Budget caps project spend and the point at which a budget_exceeded
// escalation should fire.
type Budget struct {
	Total             float64 `json:"total"`
	AlertThresholdPct float64 `json:"alertThresholdPct"`
}

// Project is created once and mutated only through the admin API (out of
// scope); the core treats it as read-mostly configuration.
type Project struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	ConflictStrategy ConflictStrategy `json:"conflictStrategy"`
	Budget           *Budget          `json:"budget,omitempty"`
	AutonomyLevel    AutonomyLevel    `json:"autonomyLevel"`
	ZoneConfig       ProjectZoneConfig `json:"zoneConfig"`
}

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentOffline AgentStatus = "offline"
)

type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOpenAI    Provider = "openai"
	ProviderMeta      Provider = "meta"
	ProviderCustom    Provider = "custom"
)

type CostPerToken struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// AgentProfile is created on registration; Status and LastHeartbeat mutate
// in place, the profile itself is destroyed only on explicit removal.
type AgentProfile struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Provider      Provider               `json:"provider"`
	Model         string                 `json:"model"`
	Capabilities  map[string]bool        `json:"capabilities"`
	CostPerToken  CostPerToken           `json:"costPerToken"`
	Status        AgentStatus            `json:"status"`
	LastHeartbeat *time.Time             `json:"lastHeartbeat,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (a *AgentProfile) CapabilitySet() map[string]struct{} {
	out := make(map[string]struct{}, len(a.Capabilities))
	for c, has := range a.Capabilities {
		if has {
			out[c] = struct{}{}
		}
	}
	return out
}

// EstimatedCost returns input+output per-token cost, used by the
// Capability Matcher as a tie-break key.
func (a *AgentProfile) EstimatedCost() float64 {
	return a.CostPerToken.Input + a.CostPerToken.Output
}

type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskClaimed     TaskStatus = "claimed"
	TaskInProgress  TaskStatus = "in_progress"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskBlocked     TaskStatus = "blocked"
)

type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// priorityRank gives the total order used when sorting tasks and
// escalations: critical first, then high, medium, low.
var priorityRank = map[TaskPriority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

func (p TaskPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Task is the unit of work assigned to an agent. Invariant: AssignedTo is
// non-empty iff Status is one of claimed/in_progress/blocked.
type Task struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"projectId"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Status            TaskStatus        `json:"status"`
	Priority          TaskPriority      `json:"priority"`
	AssignedTo        string            `json:"assignedTo,omitempty"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	Files             []string          `json:"files,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	ReassignmentCount int               `json:"reassignmentCount"`
}

// RequiresAssignee reports whether the task's status mandates a non-empty
// AssignedTo field (invariant 2 in spec.md §8).
func (t *Task) RequiresAssignee() bool {
	switch t.Status {
	case TaskClaimed, TaskInProgress, TaskBlocked:
		return true
	default:
		return false
	}
}

// FileLock grants an agent exclusive, time-bounded write access to a path.
type FileLock struct {
	FilePath  string    `json:"filePath"`
	AgentID   string    `json:"agentId"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l *FileLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type ZoneDefinition struct {
	Pattern     string   `json:"pattern"`
	Owners      []string `json:"owners"`
	Shared      bool     `json:"shared"`
	Description string   `json:"description,omitempty"`
}

type ZonePolicy string

const (
	PolicyAllow ZonePolicy = "allow"
	PolicyDeny  ZonePolicy = "deny"
)

type ProjectZoneConfig struct {
	Zones         []ZoneDefinition `json:"zones"`
	DefaultPolicy ZonePolicy       `json:"defaultPolicy"`
}

// CostEvent is an append-only record of token usage and its dollar cost.
type CostEvent struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	AgentID       string    `json:"agentId"`
	TaskID        string    `json:"taskId"`
	Model         string    `json:"model"`
	TokensInput   int64     `json:"tokensInput"`
	TokensOutput  int64     `json:"tokensOutput"`
	Cost          float64   `json:"cost"`
	CreatedAt     time.Time `json:"createdAt"`
}

type DetectionKind string

const (
	DetectionError        DetectionKind = "error"
	DetectionTestFailure  DetectionKind = "test_failure"
	DetectionAuthRequired DetectionKind = "auth_required"
	DetectionStuck        DetectionKind = "stuck"
	DetectionCrash        DetectionKind = "crash"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// DetectionEvent is a tagged union over the console-output patterns the
// detector pipeline recognizes. Only the fields relevant to Kind are set.
type DetectionEvent struct {
	Kind      DetectionKind `json:"kind"`
	AgentID   string        `json:"agentId"`
	SandboxID string        `json:"sandboxId"`
	Timestamp time.Time     `json:"timestamp"`

	// error
	Severity Severity `json:"severity,omitempty"`
	Message  string   `json:"message,omitempty"`

	// test_failure
	FailedTests int    `json:"failedTests,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Output      string `json:"output,omitempty"`

	// auth_required
	AuthProvider string `json:"authProvider,omitempty"`
	AuthURL      string `json:"authUrl,omitempty"`

	// stuck
	SilentDurationMs int64 `json:"silentDurationMs,omitempty"`

	// crash
	ExitCode int `json:"exitCode,omitempty"`
}

type DecisionAction string

const (
	ActionAutonomous DecisionAction = "autonomous"
	ActionEscalate   DecisionAction = "escalate"
	ActionIgnore     DecisionAction = "ignore"
)

type ActionType string

const (
	ActionPromptAgent   ActionType = "prompt_agent"
	ActionRetryTask     ActionType = "retry_task"
	ActionRestartAgent  ActionType = "restart_agent"
	ActionReassignTask  ActionType = "reassign_task"
	ActionCleanupLocks  ActionType = "cleanup_locks"
	ActionForceRelease  ActionType = "force_release_lock"
)

type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionExecuted DecisionStatus = "executed"
	DecisionFailed   DecisionStatus = "failed"
)

type Decision struct {
	ID            string         `json:"id"`
	TriggerEvent  DetectionEvent `json:"triggerEvent"`
	Action        DecisionAction `json:"action"`
	ActionType    ActionType     `json:"actionType,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	AutonomyLevel AutonomyLevel  `json:"autonomyLevel"`
	CreatedAt     time.Time      `json:"createdAt"`
	Status        DecisionStatus `json:"status"`
	MetricID      string         `json:"metricId,omitempty"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type ActionLogEntry struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	Action         ActionType     `json:"action"`
	TriggerEvent   DetectionEvent `json:"triggerEvent"`
	Outcome        Outcome        `json:"outcome"`
	OutcomeDetails string         `json:"outcomeDetails,omitempty"`
	Retries        int            `json:"retries"`
	ExecutedAt     time.Time      `json:"executedAt"`
}

type EscalationType string

const (
	EscalationAuthRequired       EscalationType = "auth_required"
	EscalationMergeConflict      EscalationType = "merge_conflict"
	EscalationTaskReview         EscalationType = "task_review"
	EscalationAgentError         EscalationType = "agent_error"
	EscalationBudgetExceeded     EscalationType = "budget_exceeded"
	EscalationManualIntervention EscalationType = "manual_intervention"
)

type EscalationPriority string

const (
	EscPriorityCritical EscalationPriority = "critical"
	EscPriorityHigh     EscalationPriority = "high"
	EscPriorityNormal   EscalationPriority = "normal"
	EscPriorityLow      EscalationPriority = "low"
)

var escPriorityRank = map[EscalationPriority]int{
	EscPriorityCritical: 0,
	EscPriorityHigh:     1,
	EscPriorityNormal:   2,
	EscPriorityLow:      3,
}

func (p EscalationPriority) Rank() int {
	if r, ok := escPriorityRank[p]; ok {
		return r
	}
	return len(escPriorityRank)
}

// DefaultPriorityFor implements the automatic-priority table from
// spec.md §3: auth_required -> critical, merge_conflict/budget_exceeded
// -> high, else normal.
func DefaultPriorityFor(t EscalationType) EscalationPriority {
	switch t {
	case EscalationAuthRequired:
		return EscPriorityCritical
	case EscalationMergeConflict, EscalationBudgetExceeded:
		return EscPriorityHigh
	default:
		return EscPriorityNormal
	}
}

type EscalationStatus string

const (
	EscPending      EscalationStatus = "pending"
	EscAcknowledged EscalationStatus = "acknowledged"
	EscSnoozed      EscalationStatus = "snoozed"
	EscResolved     EscalationStatus = "resolved"
	EscDismissed    EscalationStatus = "dismissed"
	EscEscalated    EscalationStatus = "escalated"
)

type Escalation struct {
	ID            string                 `json:"id"`
	ProjectID     string                 `json:"projectId"`
	Type          EscalationType         `json:"type"`
	Priority      EscalationPriority     `json:"priority"`
	Status        EscalationStatus       `json:"status"`
	Title         string                 `json:"title"`
	Context       map[string]interface{} `json:"context,omitempty"`
	AgentID       string                 `json:"agentId,omitempty"`
	AssignedTo    string                 `json:"assignedTo,omitempty"`
	ResolvedBy    string                 `json:"resolvedBy,omitempty"`
	Resolution    string                 `json:"resolution,omitempty"`
	SnoozedUntil  *time.Time             `json:"snoozedUntil,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	ResolvedAt    *time.Time             `json:"resolvedAt,omitempty"`
}

type SandboxStatus string

const (
	SandboxPending SandboxStatus = "pending"
	SandboxRunning SandboxStatus = "running"
	SandboxStopped SandboxStatus = "stopped"
	SandboxFailed  SandboxStatus = "failed"
	SandboxTimeout SandboxStatus = "timeout"
)

type SandboxInstance struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agentId"`
	ProjectID      string                 `json:"projectId"`
	Status         SandboxStatus          `json:"status"`
	Template       string                 `json:"template"`
	StartedAt      time.Time              `json:"startedAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
