package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the dotted event name, e.g. "task:created", "agent:offline".
// Subscribers filter by a kind prefix ("task:", "agent:", ...).
type Kind string

const (
	KindOverflow Kind = "overflow" // synthetic marker queued when a subscriber drops events
)

// Event is a single record of a state-store mutation or a runtime signal
// (heartbeat, sandbox I/O) fanned out over the bus.
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	EntityID  string                 `json:"entityId"`
	ProjectID string                 `json:"projectId"`
	Before    interface{}            `json:"before,omitempty"`
	After     interface{}            `json:"after,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// New builds an event with a generated ID and the current timestamp.
func New(kind Kind, entityID, projectID string, before, after interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		EntityID:  entityID,
		ProjectID: projectID,
		Before:    before,
		After:     after,
		CreatedAt: time.Now(),
	}
}
