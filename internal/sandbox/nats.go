package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATS subject patterns for sandbox dispatch, named in the same style as
// CLIAIMONITOR's internal/nats/messages.go (agent.%s.heartbeat,
// escalation.response.%s): one pattern per operation, parameterized by
// sandbox id.
const (
	subjectSandboxCreate  = "sandbox.create"
	subjectSandboxRun     = "sandbox.%s.run"
	subjectSandboxStream  = "sandbox.%s.stream"
	subjectSandboxFiles   = "sandbox.%s.files"
	subjectSandboxKill    = "sandbox.%s.kill"
)

// sandboxRequest/sandboxResponse mirror CLIAIMONITOR's
// ToolCallRequest/ToolCallResponse request-id correlation pattern.
type sandboxRequest struct {
	RequestID string                 `json:"requestId"`
	Op        string                 `json:"op"`
	Args      map[string]interface{} `json:"args"`
}

type sandboxResponse struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// NATSBackend dispatches sandbox operations to a remote executor process
// over NATS request/reply, for deployments where sandboxes run outside
// the orchestrator's own host.
type NATSBackend struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSBackend wraps an established NATS connection. timeout bounds
// every request/reply round trip; zero uses 10s.
func NewNATSBackend(nc *nats.Conn, timeout time.Duration) *NATSBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSBackend{nc: nc, timeout: timeout}
}

func (b *NATSBackend) request(ctx context.Context, subject string, args map[string]interface{}) (*sandboxResponse, error) {
	req := sandboxRequest{RequestID: uuid.New().String(), Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apierr.Validation("marshal sandbox request: %v", err)
	}

	msg, err := b.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, apierr.Transient(err, "sandbox request on %s", subject)
	}

	var resp sandboxResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, apierr.Transient(err, "decode sandbox response from %s", subject)
	}
	if !resp.Success {
		return nil, apierr.Transient(nil, "remote sandbox executor reported: %s", resp.Error)
	}
	return &resp, nil
}

func (b *NATSBackend) Create(ctx context.Context, template string, opts CreateOptions) (*model.SandboxInstance, error) {
	resp, err := b.request(ctx, subjectSandboxCreate, map[string]interface{}{
		"template":  template,
		"agentId":   opts.AgentID,
		"projectId": opts.ProjectID,
		"metadata":  opts.Metadata,
	})
	if err != nil {
		return nil, err
	}
	var inst model.SandboxInstance
	if err := json.Unmarshal(resp.Result, &inst); err != nil {
		return nil, apierr.Transient(err, "decode sandbox instance")
	}
	return &inst, nil
}

func (b *NATSBackend) Run(ctx context.Context, id, cmd string, opts RunOptions) (*RunResult, error) {
	resp, err := b.request(ctx, fmt.Sprintf(subjectSandboxRun, id), map[string]interface{}{
		"cmd": cmd, "cwd": opts.Cwd, "timeoutMs": opts.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	var result RunResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, apierr.Transient(err, "decode run result")
	}
	return &result, nil
}

// RunStreaming on the NATS backend degrades to a single request/reply
// call: the remote executor buffers output and returns it whole, since
// true chunk streaming would need a dedicated subscription per command.
// Callers that need live chunks should prefer ProcessBackend.
func (b *NATSBackend) RunStreaming(ctx context.Context, id, cmd string, opts RunOptions, onStdout, onStderr OutputFunc) (*RunResult, error) {
	result, err := b.Run(ctx, id, cmd, opts)
	if err != nil {
		return nil, err
	}
	if onStdout != nil && result.Stdout != "" {
		onStdout(result.Stdout)
	}
	if onStderr != nil && result.Stderr != "" {
		onStderr(result.Stderr)
	}
	return result, nil
}

func (b *NATSBackend) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	resp, err := b.request(ctx, fmt.Sprintf(subjectSandboxFiles, id), map[string]interface{}{"op": "read", "path": path})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, apierr.Transient(err, "decode file read result")
	}
	return out.Data, nil
}

func (b *NATSBackend) WriteFile(ctx context.Context, id, path string, data []byte) error {
	_, err := b.request(ctx, fmt.Sprintf(subjectSandboxFiles, id), map[string]interface{}{"op": "write", "path": path, "data": data})
	return err
}

func (b *NATSBackend) RemoveFile(ctx context.Context, id, path string) error {
	_, err := b.request(ctx, fmt.Sprintf(subjectSandboxFiles, id), map[string]interface{}{"op": "remove", "path": path})
	return err
}

func (b *NATSBackend) ListFiles(ctx context.Context, id, path string) ([]string, error) {
	resp, err := b.request(ctx, fmt.Sprintf(subjectSandboxFiles, id), map[string]interface{}{"op": "list", "path": path})
	if err != nil {
		return nil, err
	}
	var out struct {
		Names []string `json:"names"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, apierr.Transient(err, "decode file list result")
	}
	return out.Names, nil
}

func (b *NATSBackend) Kill(ctx context.Context, id string) error {
	_, err := b.request(ctx, fmt.Sprintf(subjectSandboxKill, id), nil)
	return err
}

var _ Backend = (*NATSBackend)(nil)
