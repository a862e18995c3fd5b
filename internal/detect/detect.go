// Package detect implements the Pattern Detectors (C9): a chain of
// independently enable-able line detectors fed a sandbox's stdout/stderr,
// each producing at most one DetectionEvent per line.
//
// No teacher file scans line-oriented console output directly —
// internal/supervisor/parser.go (CLIAIMONITOR) parses whole structured
// YAML/JSON reports instead — so this package is built fresh, in the
// same small-interface-plus-concrete-implementations idiom as
// ReportParser/StandardReportParser.
package detect

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/coderelay/orchestrator/internal/model"
)

// Detector processes a single line of sandbox output and optionally
// produces a detection event.
type Detector interface {
	Process(agentID, sandboxID, line string, now time.Time) *model.DetectionEvent
}

var (
	fatalPattern = regexp.MustCompile(`(?i)\b(FATAL|PANIC|CRITICAL)\b`)
	errorPattern = regexp.MustCompile(`(?i)\b(Error:|Exception:|\w+Error:|\w+Exception:)|failed.*error|error.*failed`)
	warnPattern  = regexp.MustCompile(`(?i)\b(Warning:|WARN|Deprecated)\b`)
)

// ErrorDetector classifies a line as fatal, error, or warning severity
// by first-match priority: fatal beats error beats warning.
type ErrorDetector struct{}

func (ErrorDetector) Process(agentID, sandboxID, line string, now time.Time) *model.DetectionEvent {
	switch {
	case fatalPattern.MatchString(line):
		return &model.DetectionEvent{Kind: model.DetectionError, AgentID: agentID, SandboxID: sandboxID, Timestamp: now, Severity: model.SeverityFatal, Message: line}
	case errorPattern.MatchString(line):
		return &model.DetectionEvent{Kind: model.DetectionError, AgentID: agentID, SandboxID: sandboxID, Timestamp: now, Severity: model.SeverityError, Message: line}
	case warnPattern.MatchString(line):
		return &model.DetectionEvent{Kind: model.DetectionError, AgentID: agentID, SandboxID: sandboxID, Timestamp: now, Severity: model.SeverityWarning, Message: line}
	}
	return nil
}

var testFailurePattern = regexp.MustCompile(`(?i)Tests:\s*(\d+)\s*failed`)

// TestFailureDetector recognizes a "Tests: N failed, M passed" summary
// line and reports the failed count.
type TestFailureDetector struct{}

func (TestFailureDetector) Process(agentID, sandboxID, line string, now time.Time) *model.DetectionEvent {
	m := testFailurePattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &model.DetectionEvent{Kind: model.DetectionTestFailure, AgentID: agentID, SandboxID: sandboxID, Timestamp: now, FailedTests: n, Output: line}
}

var oauthPatterns = []struct {
	provider string
	re       *regexp.Regexp
}{
	{"github", regexp.MustCompile(`https?://github\.com/login/oauth\S*`)},
	{"google", regexp.MustCompile(`https?://accounts\.google\.com/o/oauth2\S*`)},
}

// AuthDetector recognizes OAuth authorization URLs printed by an agent
// blocked on interactive auth.
type AuthDetector struct{}

func (AuthDetector) Process(agentID, sandboxID, line string, now time.Time) *model.DetectionEvent {
	for _, p := range oauthPatterns {
		if url := p.re.FindString(line); url != "" {
			return &model.DetectionEvent{Kind: model.DetectionAuthRequired, AgentID: agentID, SandboxID: sandboxID, Timestamp: now, AuthProvider: p.provider, AuthURL: url}
		}
	}
	return nil
}

// DefaultSilenceThreshold is how long an agent may go without output
// before StuckDetector reports it, absent explicit configuration.
const DefaultSilenceThreshold = 300 * time.Second

// StuckDetector tracks per-agent last-activity time and, on a periodic
// Check, reports any agent silent for at least the threshold. Any byte
// of output observed via Process resets that agent's clock; Process
// itself never emits (the detection fires from the periodic Check, not
// per-line).
type StuckDetector struct {
	threshold time.Duration

	mu           sync.Mutex
	lastActivity map[string]time.Time
}

// NewStuckDetector constructs a StuckDetector. Zero threshold uses
// DefaultSilenceThreshold.
func NewStuckDetector(threshold time.Duration) *StuckDetector {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return &StuckDetector{threshold: threshold, lastActivity: make(map[string]time.Time)}
}

func (d *StuckDetector) Process(agentID, sandboxID, line string, now time.Time) *model.DetectionEvent {
	d.mu.Lock()
	d.lastActivity[agentID] = now
	d.mu.Unlock()
	return nil
}

// Check reports every tracked agent silent for at least the threshold
// as of now.
func (d *StuckDetector) Check(now time.Time) []*model.DetectionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*model.DetectionEvent
	for agentID, last := range d.lastActivity {
		silence := now.Sub(last)
		if silence >= d.threshold {
			out = append(out, &model.DetectionEvent{
				Kind:             model.DetectionStuck,
				AgentID:          agentID,
				Timestamp:        now,
				SilentDurationMs: silence.Milliseconds(),
			})
		}
	}
	return out
}

// CrashDetector is fed directly by sandbox lifecycle events rather than
// lines; ProcessExit reports a non-zero exit or a sandbox:failed signal
// as a crash.
type CrashDetector struct{}

func (CrashDetector) ProcessExit(agentID, sandboxID string, exitCode int, now time.Time) *model.DetectionEvent {
	if exitCode == 0 {
		return nil
	}
	return &model.DetectionEvent{Kind: model.DetectionCrash, AgentID: agentID, SandboxID: sandboxID, Timestamp: now, ExitCode: exitCode}
}
