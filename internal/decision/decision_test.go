package decision

import (
	"testing"
	"time"

	"github.com/coderelay/orchestrator/internal/model"
)

// TestFatalErrorEscalatesCritical implements spec.md scenario 5.
func TestFatalErrorEscalatesCritical(t *testing.T) {
	e := New(0)
	d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionError, AgentID: "a1", Severity: model.SeverityFatal}, model.AutonomyFullAuto, time.Now())
	if d.Action != model.ActionEscalate || d.Priority != string(model.EscPriorityCritical) {
		t.Fatalf("expected critical escalation, got %+v", d)
	}
}

func TestNonFatalErrorIsAutonomousPrompt(t *testing.T) {
	e := New(0)
	d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionError, AgentID: "a1", Severity: model.SeverityError}, model.AutonomyFullAuto, time.Now())
	if d.Action != model.ActionAutonomous || d.ActionType != model.ActionPromptAgent {
		t.Fatalf("expected autonomous prompt_agent, got %+v", d)
	}
}

func TestAuthRequiredAlwaysEscalatesCritical(t *testing.T) {
	e := New(0)
	d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionAuthRequired, AgentID: "a1"}, model.AutonomyFullAuto, time.Now())
	if d.Action != model.ActionEscalate || d.Priority != string(model.EscPriorityCritical) {
		t.Fatalf("expected critical escalation for auth_required, got %+v", d)
	}
}

// TestStuckProgression implements spec.md scenario 4: two autonomous
// prompts then escalation on the third stuck detection for the same
// agent.
func TestStuckProgression(t *testing.T) {
	e := New(0)
	now := time.Now()

	d1 := e.Evaluate(model.DetectionEvent{Kind: model.DetectionStuck, AgentID: "a1"}, model.AutonomyFullAuto, now)
	if d1.Action != model.ActionAutonomous {
		t.Fatalf("expected first stuck to be autonomous, got %+v", d1)
	}
	d2 := e.Evaluate(model.DetectionEvent{Kind: model.DetectionStuck, AgentID: "a1"}, model.AutonomyFullAuto, now)
	if d2.Action != model.ActionAutonomous {
		t.Fatalf("expected second stuck to be autonomous, got %+v", d2)
	}
	d3 := e.Evaluate(model.DetectionEvent{Kind: model.DetectionStuck, AgentID: "a1"}, model.AutonomyFullAuto, now)
	if d3.Action != model.ActionEscalate || d3.Priority != string(model.EscPriorityHigh) {
		t.Fatalf("expected third stuck to escalate high, got %+v", d3)
	}
}

func TestTestFailureRetriesThenEscalates(t *testing.T) {
	e := New(0)
	now := time.Now()
	for i := 0; i < 3; i++ {
		d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionTestFailure, AgentID: "a1", TaskID: "t1"}, model.AutonomyFullAuto, now)
		if d.Action != model.ActionAutonomous || d.ActionType != model.ActionRetryTask {
			t.Fatalf("expected retry_task on attempt %d, got %+v", i, d)
		}
	}
	d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionTestFailure, AgentID: "a1", TaskID: "t1"}, model.AutonomyFullAuto, now)
	if d.Action != model.ActionEscalate || d.Priority != string(model.EscPriorityHigh) {
		t.Fatalf("expected escalation after 3 retries, got %+v", d)
	}
}

// TestCrashAlwaysEscalatesPendingApproval covers spec.md §4.10's
// allowance table: restart_agent is a critical action, and no autonomy
// level (not even full_auto) grants it unconditional autonomous
// execution, so every crash decision downgrades to an escalation. The
// rule table's own cooldown/restart-count bookkeeping still runs
// underneath and is visible in which priority the escalation lands at.
func TestCrashAlwaysEscalatesPendingApproval(t *testing.T) {
	e := New(time.Minute)
	now := time.Now()

	d1 := e.Evaluate(model.DetectionEvent{Kind: model.DetectionCrash, AgentID: "a1"}, model.AutonomyFullAuto, now)
	if d1.Action != model.ActionEscalate {
		t.Fatalf("expected restart_agent to require approval even at full_auto, got %+v", d1)
	}

	d2 := e.Evaluate(model.DetectionEvent{Kind: model.DetectionCrash, AgentID: "a1"}, model.AutonomyFullAuto, now.Add(5*time.Second))
	if d2.Action != model.ActionEscalate || d2.Priority != string(model.EscPriorityHigh) {
		t.Fatalf("expected high-priority escalation within cooldown window, got %+v", d2)
	}

	d3 := e.Evaluate(model.DetectionEvent{Kind: model.DetectionCrash, AgentID: "a1"}, model.AutonomyFullAuto, now.Add(2*time.Minute))
	if d3.Action != model.ActionEscalate {
		t.Fatalf("expected restart after cooldown elapsed to still require approval, got %+v", d3)
	}
}

func TestAutonomyOverrideDowngradesRestrictedAction(t *testing.T) {
	e := New(0)
	d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionCrash, AgentID: "a1"}, model.AutonomyAssisted, time.Now())
	if d.Action != model.ActionEscalate {
		t.Fatalf("expected assisted autonomy to downgrade restart_agent to escalate, got %+v", d)
	}
}

func TestAutonomyOverrideAllowsRoutineUnderSupervised(t *testing.T) {
	e := New(0)
	d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionError, AgentID: "a1", Severity: model.SeverityError}, model.AutonomySupervised, time.Now())
	if d.Action != model.ActionAutonomous {
		t.Fatalf("expected supervised autonomy to allow routine prompt_agent, got %+v", d)
	}
}

func TestRecordOutcomeResetsStuckCounter(t *testing.T) {
	e := New(0)
	now := time.Now()
	d := e.Evaluate(model.DetectionEvent{Kind: model.DetectionStuck, AgentID: "a1"}, model.AutonomyFullAuto, now)
	e.RecordOutcome(d.MetricID, true)

	d2 := e.Evaluate(model.DetectionEvent{Kind: model.DetectionStuck, AgentID: "a1"}, model.AutonomyFullAuto, now)
	if d2.Action != model.ActionAutonomous {
		t.Fatalf("expected counter reset to allow another autonomous prompt, got %+v", d2)
	}
}

func TestGetStatsTracksTotals(t *testing.T) {
	e := New(0)
	now := time.Now()
	e.Evaluate(model.DetectionEvent{Kind: model.DetectionAuthRequired, AgentID: "a1"}, model.AutonomyFullAuto, now)
	e.Evaluate(model.DetectionEvent{Kind: model.DetectionAuthRequired, AgentID: "a2"}, model.AutonomyFullAuto, now)

	stats := e.Stats().GetStats(model.DetectionAuthRequired)
	if stats.Total != 2 || stats.Escalated != 2 {
		t.Fatalf("expected 2 total/escalated, got %+v", stats)
	}
}
