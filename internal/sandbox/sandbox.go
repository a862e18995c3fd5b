// Package sandbox implements the Sandbox Manager (C8): a bounded-
// concurrency pool of remote execution environments behind a
// SandboxBackend abstraction, with capacity enforcement, retry-on-create,
// auto-kill timers, and periodic health checks.
//
// Grounded on internal/mcp/connection_limiter.go (CLIAIMONITOR)'s
// mutex-guarded per-key counters against a global cap for the
// maxConcurrent enforcement, and internal/agents/spawner.go's lifecycle
// interface shape (create/stop/list, one mutex-guarded map per concern)
// generalized from an OS-process spawner to the SandboxBackend
// abstraction spec.md §4.8 requires.
package sandbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
)

// RunResult is the outcome of a single command execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CreateOptions configures a new sandbox instance.
type CreateOptions struct {
	AgentID   string
	ProjectID string
	Metadata  map[string]interface{}
}

// RunOptions bounds a single command execution.
type RunOptions struct {
	Cwd     string
	Timeout time.Duration
}

// OutputFunc receives one chunk of streamed stdout/stderr, in arrival
// order.
type OutputFunc func(chunk string)

// Backend abstracts a remote sandbox provider. Implementations: ProcessBackend
// (local OS process, used for single-node deployments and tests) and
// NATSBackend (dispatches create/run/kill over NATS subjects to a
// remote executor process).
type Backend interface {
	Create(ctx context.Context, template string, opts CreateOptions) (*model.SandboxInstance, error)
	Run(ctx context.Context, id, cmd string, opts RunOptions) (*RunResult, error)
	RunStreaming(ctx context.Context, id, cmd string, opts RunOptions, onStdout, onStderr OutputFunc) (*RunResult, error)
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	WriteFile(ctx context.Context, id, path string, data []byte) error
	RemoveFile(ctx context.Context, id, path string) error
	ListFiles(ctx context.Context, id, path string) ([]string, error)
	Kill(ctx context.Context, id string) error
}

// DefaultMaxConcurrent caps the number of simultaneously running
// sandboxes absent explicit configuration.
const DefaultMaxConcurrent = 10

// DefaultLifetime is the auto-kill timeout applied to every created
// sandbox.
const DefaultLifetime = 300 * time.Second

// DefaultCommandTimeout bounds a single Run/RunStreaming call.
const DefaultCommandTimeout = 60 * time.Second

// Manager enforces the pool's capacity cap, retry-on-create, and
// lifecycle timers around a Backend.
type Manager struct {
	backend       Backend
	bus           *eventbus.Bus
	maxConcurrent int
	lifetime      time.Duration

	mu        sync.Mutex
	instances map[string]*model.SandboxInstance
	killTimers map[string]*time.Timer
}

// New constructs a Manager. Zero maxConcurrent/lifetime use package
// defaults.
func New(backend Backend, bus *eventbus.Bus, maxConcurrent int, lifetime time.Duration) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Manager{
		backend:       backend,
		bus:           bus,
		maxConcurrent: maxConcurrent,
		lifetime:      lifetime,
		instances:     make(map[string]*model.SandboxInstance),
		killTimers:    make(map[string]*time.Timer),
	}
}

// Create enforces the concurrency cap, retries once on a transient
// backend error with a 2s backoff, and registers the auto-kill timer on
// success.
func (m *Manager) Create(ctx context.Context, template string, opts CreateOptions) (*model.SandboxInstance, error) {
	m.mu.Lock()
	running := m.countRunningLocked()
	if running >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, apierr.Capacity("sandbox pool at capacity (%d/%d)", running, m.maxConcurrent)
	}
	m.mu.Unlock()

	inst, err := m.backend.Create(ctx, template, opts)
	if err != nil && apierr.Is(err, apierr.KindTransient) {
		time.Sleep(2 * time.Second)
		inst, err = m.backend.Create(ctx, template, opts)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.killTimers[inst.ID] = time.AfterFunc(m.lifetime, func() { m.onTimeout(inst.ID) })
	m.mu.Unlock()

	m.publish("sandbox:started", inst)
	return inst, nil
}

func (m *Manager) countRunningLocked() int {
	n := 0
	for _, inst := range m.instances {
		if inst.Status == model.SandboxRunning || inst.Status == model.SandboxPending {
			n++
		}
	}
	return n
}

// Run executes a single command against an existing sandbox.
func (m *Manager) Run(ctx context.Context, id, cmd string, opts RunOptions) (*RunResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	result, err := m.backend.Run(ctx, id, cmd, opts)
	m.touch(id)
	return result, err
}

// RunStreaming executes a command, forwarding output chunks as they
// arrive. Every chunk bumps the sandbox's LastActivityAt.
func (m *Manager) RunStreaming(ctx context.Context, id, cmd string, opts RunOptions, onStdout, onStderr OutputFunc) (*RunResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	wrap := func(fn OutputFunc) OutputFunc {
		if fn == nil {
			return func(string) { m.touch(id) }
		}
		return func(chunk string) {
			m.touch(id)
			fn(chunk)
		}
	}
	return m.backend.RunStreaming(ctx, id, cmd, opts, wrap(onStdout), wrap(onStderr))
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.LastActivityAt = time.Now()
	}
}

// Kill stops a sandbox and cancels its auto-kill timer.
func (m *Manager) Kill(ctx context.Context, id string) error {
	if err := m.backend.Kill(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	if t, ok := m.killTimers[id]; ok {
		t.Stop()
		delete(m.killTimers, id)
	}
	if inst, ok := m.instances[id]; ok {
		inst.Status = model.SandboxStopped
	}
	m.mu.Unlock()
	m.publishByID("sandbox:stopped", id)
	return nil
}

func (m *Manager) onTimeout(id string) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		inst.Status = model.SandboxTimeout
	}
	delete(m.killTimers, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.backend.Kill(context.Background(), id); err != nil {
		log.Printf("[SANDBOX] auto-kill %s: %v", id, err)
	}
	m.publish("sandbox:timeout", inst)
}

// CleanupStale stops every running sandbox whose age exceeds maxAge and
// returns the stopped set.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) []*model.SandboxInstance {
	now := time.Now()

	m.mu.Lock()
	var stale []*model.SandboxInstance
	for _, inst := range m.instances {
		if inst.Status == model.SandboxRunning && now.Sub(inst.StartedAt) > maxAge {
			stale = append(stale, inst)
		}
	}
	m.mu.Unlock()

	var stopped []*model.SandboxInstance
	for _, inst := range stale {
		if err := m.Kill(ctx, inst.ID); err != nil {
			log.Printf("[SANDBOX] cleanup stale %s: %v", inst.ID, err)
			continue
		}
		stopped = append(stopped, inst)
	}
	return stopped
}

// StartHealthMonitor periodically runs a no-op command in each running
// sandbox; a non-zero exit or execution error flips its status to
// failed. Blocks until ctx is cancelled.
func (m *Manager) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	var running []*model.SandboxInstance
	for _, inst := range m.instances {
		if inst.Status == model.SandboxRunning {
			running = append(running, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range running {
		result, err := m.backend.Run(ctx, inst.ID, "echo ok", RunOptions{Timeout: 10 * time.Second})
		if err != nil || result.ExitCode != 0 {
			m.mu.Lock()
			inst.Status = model.SandboxFailed
			m.mu.Unlock()
			m.publish("sandbox:failed", inst)
		}
	}
}

// List returns a snapshot of every tracked instance.
func (m *Manager) List() []*model.SandboxInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.SandboxInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		copy := *inst
		out = append(out, &copy)
	}
	return out
}

func (m *Manager) publish(kind eventbus.Kind, inst *model.SandboxInstance) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Kind:      kind,
		EntityID:  inst.ID,
		ProjectID: inst.ProjectID,
		After:     inst,
		CreatedAt: time.Now(),
	})
}

func (m *Manager) publishByID(kind eventbus.Kind, id string) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if ok {
		m.publish(kind, inst)
	}
}
