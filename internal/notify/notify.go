// Package notify sends the Action Executor's prompt_agent side effect
// (spec.md §4.11: "send a heartbeat/prompt message") to a running agent
// over NATS. Grounded on internal/nats/messages.go (CLIAIMONITOR)'s
// "agent.%s.command" subject pattern and HeartbeatMessage envelope
// shape, narrowed to the one message type the orchestrator core needs
// to send rather than the teacher's full agent<->captain protocol.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"github.com/nats-io/nats.go"
)

// SubjectAgentCommand is the per-agent command subject an agent process
// is expected to subscribe to.
const SubjectAgentCommand = "agent.%s.command"

// PromptMessage is the envelope delivered on an agent's command
// subject when the orchestrator wants its attention.
type PromptMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Client publishes prompt messages over an established NATS connection.
type Client struct {
	nc *nats.Conn
}

// New constructs a Client over an already-connected NATS client.
func New(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

// Prompt publishes a "prompt" message to agentID's command subject.
// Best-effort request/reply is not used here: the agent process consumes
// commands asynchronously, so a publish failure is the only failure mode
// worth reporting to the caller.
func (c *Client) Prompt(ctx context.Context, agentID, message string) error {
	payload, err := json.Marshal(PromptMessage{Type: "prompt", Message: message, Timestamp: time.Now()})
	if err != nil {
		return apierr.Validation("marshal prompt message: %v", err)
	}
	subject := subjectFor(agentID)
	if err := c.nc.Publish(subject, payload); err != nil {
		return apierr.Transient(err, "publish prompt to %s", subject)
	}
	return nil
}

func subjectFor(agentID string) string {
	return fmt.Sprintf(SubjectAgentCommand, agentID)
}
