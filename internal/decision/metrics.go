package decision

import (
	"sync"

	"github.com/coderelay/orchestrator/internal/model"
)

// Stats is the read view returned by getStats(eventType): counts plus a
// derived success rate over outcomes recorded so far.
type Stats struct {
	Total        int
	Autonomous   int
	Escalated    int
	SuccessCount int
	FailureCount int
}

// SuccessRate is successes over all outcomes recorded in this bucket;
// zero when no outcome has been recorded yet. Outcomes are only tallied
// in the catch-all "" bucket (see RecordOutcome), so per-kind stats
// always report zero.
func (s Stats) SuccessRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(total)
}

// MetricsTracker records every decision the engine makes, grouped by
// the triggering detection kind, for later threshold tuning.
type MetricsTracker struct {
	mu    sync.Mutex
	byKind map[model.DetectionKind]*Stats
}

// NewMetricsTracker constructs an empty tracker.
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{byKind: make(map[model.DetectionKind]*Stats)}
}

// Record logs one decision under its triggering event kind.
func (m *MetricsTracker) Record(kind model.DetectionKind, d *model.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(kind)
	s.Total++
	switch d.Action {
	case model.ActionAutonomous:
		s.Autonomous++
	case model.ActionEscalate:
		s.Escalated++
	}
}

// RecordOutcome logs a success/failure outcome. Outcomes aren't keyed by
// detection kind (the caller no longer has it at RecordOutcome time),
// so they're tallied against a catch-all bucket consulted by
// GetStats("").
func (m *MetricsTracker) RecordOutcome(action model.ActionType, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor("")
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
}

func (m *MetricsTracker) statsFor(kind model.DetectionKind) *Stats {
	s, ok := m.byKind[kind]
	if !ok {
		s = &Stats{}
		m.byKind[kind] = s
	}
	return s
}

// GetStats returns the counters recorded for eventType.
func (m *MetricsTracker) GetStats(eventType model.DetectionKind) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byKind[eventType]; ok {
		return *s
	}
	return Stats{}
}
