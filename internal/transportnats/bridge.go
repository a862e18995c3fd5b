// Package transportnats bridges the in-process Event Bus onto NATS so
// a remote dashboard process (out of scope per spec.md) can observe the
// same event stream an SSE subscriber would see, without the core
// depending on HTTP. Grounded on CLIAIMONITOR's internal/nats/server.go
// (EmbeddedServer wrapping nats-server/v2, Start/Shutdown/URL lifecycle)
// for the embedded-server option, and cmd/nats-bridge/main.go's
// subject-routing table for the publish side.
package transportnats

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServerConfig mirrors the teacher's EmbeddedServerConfig,
// trimmed to the fields this bridge actually uses (no WebSocket gateway
// here; that's the SSE transport's job).
type EmbeddedServerConfig struct {
	Port      int
	JetStream bool
	DataDir   string
}

// EmbeddedServer wraps an in-process nats-server instance for
// deployments that don't already run a standalone NATS cluster.
type EmbeddedServer struct {
	srv    *server.Server
	config EmbeddedServerConfig
}

// NewEmbeddedServer constructs an EmbeddedServer. A zero Port defaults
// to 4222.
func NewEmbeddedServer(config EmbeddedServerConfig) (*EmbeddedServer, error) {
	if config.Port <= 0 {
		config.Port = 4222
	}
	if config.JetStream && config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required when JetStream is enabled")
	}
	return &EmbeddedServer{config: config}, nil
}

// Start launches the embedded server and blocks until it is ready for
// connections.
func (e *EmbeddedServer) Start() error {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if e.config.JetStream {
		opts.JetStream = true
		opts.StoreDir = e.config.DataDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	e.srv = ns
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("embedded NATS server not ready for connections")
	}
	return nil
}

// Shutdown stops the embedded server.
func (e *EmbeddedServer) Shutdown() {
	if e.srv == nil {
		return
	}
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}

// URL returns the embedded server's connection URL.
func (e *EmbeddedServer) URL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}

// Bridge subscribes to the in-process Event Bus and republishes every
// event onto NATS under the subject convention "<kind>.<entityId>",
// with the first ':' of the kind turned into '.' (e.g. task:created on
// TASK-123 becomes "task.created.TASK-123"), matching
// cmd/nats-bridge/main.go's subject-routing table.
type Bridge struct {
	bus *eventbus.Bus
	nc  *nats.Conn
}

// NewBridge constructs a Bridge over an already-connected NATS client.
func NewBridge(bus *eventbus.Bus, nc *nats.Conn) *Bridge {
	return &Bridge{bus: bus, nc: nc}
}

// Run drains the Event Bus and republishes every event onto NATS until
// done is closed.
func (b *Bridge) Run(done <-chan struct{}) {
	id, ch := b.bus.Subscribe()
	defer b.bus.Unsubscribe(id)

	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.publish(evt)
		}
	}
}

func (b *Bridge) publish(evt eventbus.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[NATS-BRIDGE] marshal event %s: %v", evt.ID, err)
		return
	}
	subject := subjectFor(evt)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Printf("[NATS-BRIDGE] publish to %s: %v", subject, err)
	}
}

func subjectFor(evt eventbus.Event) string {
	kind := string(evt.Kind)
	for i, r := range kind {
		if r == ':' {
			kind = kind[:i] + "." + kind[i+1:]
			break
		}
	}
	if evt.EntityID == "" {
		return kind
	}
	return kind + "." + evt.EntityID
}
