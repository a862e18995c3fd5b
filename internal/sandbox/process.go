package sandbox

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/google/uuid"
)

// ProcessBackend runs each sandbox as a working directory on the local
// filesystem and executes commands as OS child processes. Intended for
// single-node deployments and tests; production deployments plug in
// NATSBackend instead.
//
// Grounded on internal/agents/spawner.go's ProcessSpawner, stripped of
// its WezTerm pane/window bookkeeping: what remains is the
// mutex-guarded id->state map and os/exec invocation.
type ProcessBackend struct {
	rootDir string

	mu   sync.Mutex
	dirs map[string]string // sandbox id -> working directory
}

// NewProcessBackend roots every sandbox's working directory under root.
func NewProcessBackend(root string) *ProcessBackend {
	return &ProcessBackend{rootDir: root, dirs: make(map[string]string)}
}

func (p *ProcessBackend) Create(ctx context.Context, template string, opts CreateOptions) (*model.SandboxInstance, error) {
	id := uuid.New().String()
	dir := filepath.Join(p.rootDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierr.Transient(err, "create sandbox working directory")
	}

	p.mu.Lock()
	p.dirs[id] = dir
	p.mu.Unlock()

	now := time.Now()
	return &model.SandboxInstance{
		ID:             id,
		AgentID:        opts.AgentID,
		ProjectID:      opts.ProjectID,
		Status:         model.SandboxRunning,
		Template:       template,
		StartedAt:      now,
		LastActivityAt: now,
		Metadata:       opts.Metadata,
	}, nil
}

func (p *ProcessBackend) dirFor(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dir, ok := p.dirs[id]
	if !ok {
		return "", apierr.NotFound("sandbox %s", id)
	}
	return dir, nil
}

func (p *ProcessBackend) Run(ctx context.Context, id, cmdline string, opts RunOptions) (*RunResult, error) {
	return p.RunStreaming(ctx, id, cmdline, opts, nil, nil)
}

func (p *ProcessBackend) RunStreaming(ctx context.Context, id, cmdline string, opts RunOptions, onStdout, onStderr OutputFunc) (*RunResult, error) {
	dir, err := p.dirFor(id)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := dir
	if opts.Cwd != "" {
		cwd = filepath.Join(dir, opts.Cwd)
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdline)
	cmd.Dir = cwd

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apierr.Transient(err, "attach stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, apierr.Transient(err, "attach stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, apierr.Transient(err, "start sandbox command")
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf []byte
	var mu sync.Mutex

	drain := func(r *bufio.Scanner, collect *[]byte, emit OutputFunc) {
		defer wg.Done()
		for r.Scan() {
			line := r.Text() + "\n"
			mu.Lock()
			*collect = append(*collect, line...)
			mu.Unlock()
			if emit != nil {
				emit(line)
			}
		}
	}

	wg.Add(2)
	go drain(bufio.NewScanner(stdoutPipe), &stdoutBuf, onStdout)
	go drain(bufio.NewScanner(stderrPipe), &stderrBuf, onStderr)
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, apierr.Transient(err, "wait for sandbox command")
		}
	}

	return &RunResult{Stdout: string(stdoutBuf), Stderr: string(stderrBuf), ExitCode: exitCode}, nil
}

func (p *ProcessBackend) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	dir, err := p.dirFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return nil, apierr.NotFound("file %s in sandbox %s", path, id)
	}
	return data, nil
}

func (p *ProcessBackend) WriteFile(ctx context.Context, id, path string, data []byte) error {
	dir, err := p.dirFor(id)
	if err != nil {
		return err
	}
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return apierr.Transient(err, "create parent directory for %s", path)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return apierr.Transient(err, "write file %s", path)
	}
	return nil
}

func (p *ProcessBackend) RemoveFile(ctx context.Context, id, path string) error {
	dir, err := p.dirFor(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, path)); err != nil {
		return apierr.NotFound("file %s in sandbox %s", path, id)
	}
	return nil
}

func (p *ProcessBackend) ListFiles(ctx context.Context, id, path string) ([]string, error) {
	dir, err := p.dirFor(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, path))
	if err != nil {
		return nil, apierr.NotFound("directory %s in sandbox %s", path, id)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (p *ProcessBackend) Kill(ctx context.Context, id string) error {
	dir, err := p.dirFor(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.dirs, id)
	p.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return apierr.Transient(err, "remove sandbox working directory %s", dir)
	}
	return nil
}

var _ Backend = (*ProcessBackend)(nil)
