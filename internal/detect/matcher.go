package detect

import (
	"sync"
	"time"

	"github.com/coderelay/orchestrator/internal/model"
)

// DefaultRingBufferCapacity bounds the per-agent recent-lines buffer.
const DefaultRingBufferCapacity = 1024

// RingBuffer keeps the most recent N lines for one agent, overwriting
// the oldest on overflow. Never consulted for correctness, only for
// debugging.
type RingBuffer struct {
	mu       sync.Mutex
	capacity int
	lines    []string
	next     int
	full     bool
}

// NewRingBuffer constructs a RingBuffer. Zero capacity uses
// DefaultRingBufferCapacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingBufferCapacity
	}
	return &RingBuffer{capacity: capacity, lines: make([]string, capacity)}
}

// Push appends a line, evicting the oldest if at capacity.
func (r *RingBuffer) Push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the buffered lines in chronological order.
func (r *RingBuffer) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.capacity)
	copy(out, r.lines[r.next:])
	copy(out[r.capacity-r.next:], r.lines[:r.next])
	return out
}

// PatternMatcher dispatches each line through an ordered detector chain
// and keeps a per-agent ring buffer of recent lines.
type PatternMatcher struct {
	detectors []Detector
	stuck     *StuckDetector
	crash     CrashDetector

	mu      sync.Mutex
	buffers map[string]*RingBuffer
	ringCap int
}

// NewPatternMatcher builds the default detector chain: error, then
// test-failure, then auth, then the stuck detector, whose Process only
// records activity and never emits. ProcessLine also records activity
// with the stuck detector before the chain runs, so lines matched by an
// earlier detector still reset its clock. Stuck detections come from
// Check, and the crash detector is driven via ProcessExit.
func NewPatternMatcher(stuck *StuckDetector, ringCap int) *PatternMatcher {
	if stuck == nil {
		stuck = NewStuckDetector(0)
	}
	return &PatternMatcher{
		detectors: []Detector{ErrorDetector{}, TestFailureDetector{}, AuthDetector{}, stuck},
		stuck:     stuck,
		buffers:   make(map[string]*RingBuffer),
		ringCap:   ringCap,
	}
}

// ProcessLine records the line as activity for the stuck detector, then
// runs the detector chain over it, returning the first detector's
// non-nil event (detectors run in chain order; a line matching more
// than one type of pattern reports only the first match).
func (m *PatternMatcher) ProcessLine(agentID, sandboxID, line string) *model.DetectionEvent {
	m.bufferFor(agentID).Push(line)

	now := time.Now()
	m.stuck.Process(agentID, sandboxID, line, now)
	for _, d := range m.detectors {
		if evt := d.Process(agentID, sandboxID, line, now); evt != nil {
			return evt
		}
	}
	return nil
}

// CheckStuck runs the stuck detector's periodic silence check.
func (m *PatternMatcher) CheckStuck(now time.Time) []*model.DetectionEvent {
	return m.stuck.Check(now)
}

// ProcessExit reports a sandbox's exit code through the crash detector.
func (m *PatternMatcher) ProcessExit(agentID, sandboxID string, exitCode int) *model.DetectionEvent {
	return m.crash.ProcessExit(agentID, sandboxID, exitCode, time.Now())
}

func (m *PatternMatcher) bufferFor(agentID string) *RingBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[agentID]
	if !ok {
		buf = NewRingBuffer(m.ringCap)
		m.buffers[agentID] = buf
	}
	return buf
}

// RecentLines returns the buffered recent lines for an agent, for
// debugging.
func (m *PatternMatcher) RecentLines(agentID string) []string {
	return m.bufferFor(agentID).Snapshot()
}
