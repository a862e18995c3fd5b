// Package health implements the Health Monitor (C6): a ticker-driven
// scanner that classifies every agent's liveness from heartbeat age and
// emits status-transition events on the bus.
//
// Grounded on internal/server/heartbeat.go (CLIAIMONITOR)'s
// StartHeartbeatChecker/checkStaleAgents ticker loop and bracketed
// [HEARTBEAT] log prefix, generalized from a single stale threshold to
// the spec's four-tier classification.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/model"
)

// Status is the four-tier classification derived from heartbeat age.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusOffline  Status = "offline"
)

// Thresholds configures the age boundaries. The zero value is invalid;
// use DefaultThresholds.
type Thresholds struct {
	Warning  time.Duration
	Critical time.Duration
	Offline  time.Duration
}

// DefaultThresholds matches spec.md §4.6: warning at 120s, critical at
// 300s, offline at 600s (or no heartbeat at all).
var DefaultThresholds = Thresholds{
	Warning:  120 * time.Second,
	Critical: 300 * time.Second,
	Offline:  600 * time.Second,
}

// Classify returns the status for an elapsed heartbeat age. A nil age
// (agent has never reported) is always offline. Monotone non-increasing
// in age, per spec.md invariant 4.
func Classify(age *time.Duration, th Thresholds) Status {
	if age == nil || *age >= th.Offline {
		return StatusOffline
	}
	if *age >= th.Critical {
		return StatusCritical
	}
	if *age >= th.Warning {
		return StatusWarning
	}
	return StatusHealthy
}

// AgentStore is the subset of the State Store the monitor needs.
type AgentStore interface {
	ListAgents() ([]*model.AgentProfile, error)
	UpdateAgentStatus(agentID string, status model.AgentStatus) (*model.AgentProfile, error)
}

// Monitor periodically scans a project's agents and republishes status
// transitions. One Monitor serves one project.
type Monitor struct {
	store      AgentStore
	bus        *eventbus.Bus
	projectID  string
	thresholds Thresholds
	interval   time.Duration
	webhookURL string
	httpClient *http.Client

	last map[string]Status
}

// New constructs a Monitor. webhookURL may be empty, disabling the
// best-effort alert path.
func New(store AgentStore, bus *eventbus.Bus, projectID string, thresholds Thresholds, interval time.Duration, webhookURL string) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		store:      store,
		bus:        bus,
		projectID:  projectID,
		thresholds: thresholds,
		interval:   interval,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		last:       make(map[string]Status),
	}
}

// Run blocks, scanning on a ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[HEALTH] starting monitor for project %s (interval %v)", m.projectID, m.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[HEALTH] stopping monitor for project %s", m.projectID)
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *Monitor) scan() {
	agents, err := m.store.ListAgents()
	if err != nil {
		log.Printf("[HEALTH] list agents: %v", err)
		return
	}

	now := time.Now()
	for _, agent := range agents {
		var age *time.Duration
		if agent.LastHeartbeat != nil {
			d := now.Sub(*agent.LastHeartbeat)
			age = &d
		}

		status := Classify(age, m.thresholds)
		previous, seen := m.last[agent.ID]
		if seen && previous == status {
			continue
		}
		m.last[agent.ID] = status

		if status == StatusOffline {
			if _, err := m.store.UpdateAgentStatus(agent.ID, model.AgentOffline); err != nil {
				log.Printf("[HEALTH] mark %s offline: %v", agent.ID, err)
			}
		}

		m.bus.Publish(eventbus.Event{
			Kind:      eventbus.Kind("status:" + string(status)),
			EntityID:  agent.ID,
			ProjectID: m.projectID,
			CreatedAt: now,
			Payload: map[string]interface{}{
				"agentId":         agent.ID,
				"previousStatus":  string(previous),
				"currentStatus":   string(status),
				"agent":           agent,
			},
		})

		if status == StatusCritical || status == StatusOffline {
			m.alert(agent, status)
		}
	}
}

// alert fires a best-effort webhook notification. Failures are swallowed
// per spec.md §7 ("webhook failures are swallowed").
func (m *Monitor) alert(agent *model.AgentProfile, status Status) {
	if m.webhookURL == "" {
		return
	}
	go func() {
		body, _ := json.Marshal(map[string]string{
			"agentId": agent.ID,
			"status":  string(status),
		})
		req, err := http.NewRequest(http.MethodPost, m.webhookURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := m.httpClient.Do(req)
		if err != nil {
			log.Printf("[HEALTH] webhook alert for %s failed: %v", agent.ID, err)
			return
		}
		resp.Body.Close()
	}()
}
