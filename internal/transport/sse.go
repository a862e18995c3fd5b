// Package transport provides the SSE-formatting seam spec.md §6
// describes: a GET /events consumer that drains the Event Bus and
// writes frames. The HTTP handler itself is out of core scope (it's an
// external collaborator per spec.md's Non-goals), but the
// register/unregister/broadcast shape a handler would drive is built
// here, grounded on the teacher's internal/server/hub.go Hub
// (register/unregister channels, per-client send buffer, broadcast
// loop) generalized from a WebSocket hub pushing a whole dashboard
// state to an SSE hub formatting one bus event per frame.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coderelay/orchestrator/internal/eventbus"
)

// HeartbeatInterval is how often a connected SSE client receives a
// keep-alive frame, per spec.md §6.
const HeartbeatInterval = 15 * time.Second

// ClientBufferSize bounds how many frames may queue for a slow SSE
// client; once the buffer is full, further frames to that client are
// dropped (the client stays registered), mirroring the teacher's
// WebSocketBufferSize.
const ClientBufferSize = 256

// Frame is one SSE wire frame: "event: <type>\ndata: <json>\n\n".
type Frame struct {
	Event string
	Data  []byte
}

// Bytes renders the frame in SSE wire format.
func (f Frame) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	return buf.Bytes()
}

// Client is one connected SSE consumer's outbound frame channel. An
// HTTP handler (out of scope) owns the actual ResponseWriter and drains
// Send.
type Client struct {
	ID        uint64
	ProjectID string
	Send      chan Frame
}

// Hub fans Event Bus events out to connected SSE clients as frames,
// and emits a periodic heartbeat frame to each.
type Hub struct {
	bus *eventbus.Bus

	mu      sync.RWMutex
	clients map[uint64]*Client
	nextID  uint64
}

// NewHub constructs a Hub bound to an Event Bus.
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{bus: bus, clients: make(map[uint64]*Client)}
}

// Register creates a client, subscribes it to the bus for the given
// project (via a single catch-all subscription filtered client-side,
// since the bus has no per-project filter), and immediately queues the
// initial "connected" heartbeat frame per spec.md §6.
func (h *Hub) Register(projectID string) *Client {
	h.mu.Lock()
	h.nextID++
	c := &Client{ID: h.nextID, ProjectID: projectID, Send: make(chan Frame, ClientBufferSize)}
	h.clients[c.ID] = c
	h.mu.Unlock()

	connected, _ := json.Marshal(map[string]string{"status": "connected", "projectId": projectID})
	h.deliver(c, Frame{Event: "heartbeat", Data: connected})
	return c
}

// Unregister removes a client and closes its channel.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(c.Send)
}

// Run drains the Event Bus and fans matching events out to clients as
// frames until done is closed; it also emits periodic heartbeats.
func (h *Hub) Run(done <-chan struct{}) {
	id, ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(evt)
		case <-ticker.C:
			h.heartbeatAll()
		}
	}
}

func (h *Hub) broadcast(evt eventbus.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	frame := Frame{Event: string(evt.Kind), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.ProjectID != "" && evt.ProjectID != "" && c.ProjectID != evt.ProjectID {
			continue
		}
		h.deliver(c, frame)
	}
}

func (h *Hub) heartbeatAll() {
	frame := Frame{Event: "heartbeat", Data: []byte(`{"status":"alive"}`)}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.deliver(c, frame)
	}
}

func (h *Hub) deliver(c *Client, frame Frame) {
	select {
	case c.Send <- frame:
	default:
		// Slow consumer; drop the frame rather than block the hub loop.
	}
}

// ClientCount returns the number of currently registered SSE clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
