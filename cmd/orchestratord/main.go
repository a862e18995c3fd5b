// Command orchestratord wires the orchestration core's components
// together into one long-running process: state store, event bus,
// queue manager, health monitor, task reassigner, sandbox manager,
// pattern detectors, decision engine, action executor, escalation
// queue, budget tracker, and the SSE/NATS transport seams. The HTTP
// handlers that would sit in front of this (per spec.md §2, out of
// core scope) are an external collaborator; this binary only needs to
// run the background loops and hand a *Orchestrator to whatever does
// own the HTTP surface.
//
// Flag/signal-handling shape grounded on CLIAIMONITOR's
// cmd/cliaimonitor/main.go and cmd/nats-bridge/main.go: flag.String
// for config paths, os/signal.Notify on SIGINT/SIGTERM for graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coderelay/orchestrator/internal/action"
	"github.com/coderelay/orchestrator/internal/budget"
	"github.com/coderelay/orchestrator/internal/config"
	"github.com/coderelay/orchestrator/internal/decision"
	"github.com/coderelay/orchestrator/internal/detect"
	"github.com/coderelay/orchestrator/internal/escalation"
	"github.com/coderelay/orchestrator/internal/eventbus"
	"github.com/coderelay/orchestrator/internal/health"
	"github.com/coderelay/orchestrator/internal/model"
	"github.com/coderelay/orchestrator/internal/notify"
	"github.com/coderelay/orchestrator/internal/queue"
	"github.com/coderelay/orchestrator/internal/reassign"
	"github.com/coderelay/orchestrator/internal/sandbox"
	"github.com/coderelay/orchestrator/internal/secrets"
	"github.com/coderelay/orchestrator/internal/store"
	"github.com/coderelay/orchestrator/internal/transport"
	"github.com/coderelay/orchestrator/internal/transportnats"
	"github.com/coderelay/orchestrator/internal/zone"
	"github.com/nats-io/nats.go"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.yaml", "Orchestrator configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[ORCHESTRATORD] load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orc, cleanup, err := bootstrap(cfg)
	if err != nil {
		log.Fatalf("[ORCHESTRATORD] bootstrap: %v", err)
	}
	defer cleanup()

	orc.Run(ctx)

	log.Println("[ORCHESTRATORD] shutting down")
}

// Orchestrator owns every background loop and the one synchronous entry
// point (HandleDetection) an out-of-scope console-output reader would
// call for each line it observes.
type Orchestrator struct {
	cfg *config.Config

	bus         *eventbus.Bus
	store       *store.Store
	zones       *zone.Registry
	queue       *queue.Manager
	health      *health.Monitor
	reassigner  *reassign.Reassigner
	sandboxes   *sandbox.Manager
	matcher     *detect.PatternMatcher
	decisions   *decision.StandardDecisionEngine
	actions     *action.Executor
	escalations *escalation.Queue
	budgets     *budget.Tracker
	secrets     *secrets.Service

	sseHub *transport.Hub
	bridge *transportnats.Bridge

	embeddedNATS *transportnats.EmbeddedServer
	natsConn     *nats.Conn
}

func bootstrap(cfg *config.Config) (*Orchestrator, func(), error) {
	bus := eventbus.New(0)

	st, err := store.Open(cfg.DatabasePath, bus)
	if err != nil {
		return nil, nil, err
	}

	if err := ensureProject(st, cfg.ProjectID); err != nil {
		st.Close()
		return nil, nil, err
	}

	zones := zone.NewRegistry(st)
	queueMgr := queue.New(st, zones, 0)
	healthMon := health.New(st, bus, cfg.ProjectID, health.Thresholds{
		Warning:  cfg.HeartbeatWarning,
		Critical: cfg.HeartbeatCritical,
		Offline:  cfg.HeartbeatOffline,
	}, cfg.HealthCheckPeriod, cfg.WebhookURL)
	reassigner := reassign.New(st, bus, cfg.ReassignGrace, 0)

	embedded, nc, err := connectNATS(cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	var backend sandbox.Backend
	var notifier action.Notifier
	var bridge *transportnats.Bridge
	if nc != nil {
		backend = sandbox.NewNATSBackend(nc, 0)
		notifier = notify.New(nc)
		bridge = transportnats.NewBridge(bus, nc)
	} else {
		backend = sandbox.NewProcessBackend(sandboxRootDir(cfg))
		notifier = logNotifier{}
	}
	sandboxMgr := sandbox.New(backend, bus, cfg.MaxConcurrentSbx, cfg.SandboxLifetime)

	stuck := detect.NewStuckDetector(0)
	matcher := detect.NewPatternMatcher(stuck, 0)
	decisionEngine := decision.New(0)
	actionExecutor := action.New(st, sandboxMgr, reassigner, notifier, 0, action.DefaultMaxRetries)
	escalationQueue := escalation.New(st)
	budgetTracker := budget.New(st, escalationQueue)

	var secretsSvc *secrets.Service
	if cfg.MasterKeyBase64 != "" {
		secretsSvc, err = secrets.NewFromBase64(cfg.MasterKeyBase64)
		if err != nil {
			st.Close()
			if nc != nil {
				nc.Close()
			}
			return nil, nil, err
		}
	}

	sseHub := transport.NewHub(bus)

	orc := &Orchestrator{
		cfg:          cfg,
		bus:          bus,
		store:        st,
		zones:        zones,
		queue:        queueMgr,
		health:       healthMon,
		reassigner:   reassigner,
		sandboxes:    sandboxMgr,
		matcher:      matcher,
		decisions:    decisionEngine,
		actions:      actionExecutor,
		escalations:  escalationQueue,
		budgets:      budgetTracker,
		secrets:      secretsSvc,
		sseHub:       sseHub,
		bridge:       bridge,
		embeddedNATS: embedded,
		natsConn:     nc,
	}

	cleanup := func() {
		st.Close()
		if nc != nil {
			nc.Close()
		}
		if embedded != nil {
			embedded.Shutdown()
		}
	}
	return orc, cleanup, nil
}

// ensureProject fetches the configured project, bootstrapping a
// permissive default (full_auto, lock conflict strategy, no zones or
// budget) on first run. Project configuration otherwise lives behind the
// out-of-scope admin API.
func ensureProject(st *store.Store, projectID string) error {
	if _, err := st.GetProject(projectID); err == nil {
		return nil
	}
	return st.CreateProject(&model.Project{
		ID:               projectID,
		Name:             projectID,
		ConflictStrategy: model.ConflictLock,
		AutonomyLevel:    model.AutonomyFullAuto,
	})
}

func sandboxRootDir(cfg *config.Config) string {
	return "data/sandboxes/" + cfg.ProjectID
}

// connectNATS connects to cfg.NATSURL if set, otherwise starts an
// embedded single-node server for deployments that don't run their own
// NATS cluster. A nil (embedded, conn) pair means NATSDisabled opted
// this deployment out of NATS entirely, and sandbox execution falls
// back to the local ProcessBackend.
func connectNATS(cfg *config.Config) (*transportnats.EmbeddedServer, *nats.Conn, error) {
	if cfg.NATSDisabled {
		return nil, nil, nil
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("orchestratord"))
		if err != nil {
			return nil, nil, err
		}
		return nil, nc, nil
	}

	embedded, err := transportnats.NewEmbeddedServer(transportnats.EmbeddedServerConfig{Port: cfg.NATSEmbeddedPort})
	if err != nil {
		return nil, nil, err
	}
	if err := embedded.Start(); err != nil {
		return nil, nil, err
	}
	nc, err := nats.Connect(embedded.URL(), nats.Name("orchestratord"))
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}
	return embedded, nc, nil
}

// Run starts every background loop and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	start(func(ctx context.Context) { o.queue.RunSweeperEvery(ctx, o.cfg.LockSweepPeriod) })
	start(o.health.Run)
	start(o.reassigner.Run)
	start(func(ctx context.Context) { o.sandboxes.StartHealthMonitor(ctx, o.cfg.HealthCheckPeriod) })
	start(func(ctx context.Context) { o.sseHub.Run(ctx.Done()) })
	start(o.runStuckCheck)
	if o.bridge != nil {
		start(func(ctx context.Context) { o.bridge.Run(ctx.Done()) })
	}

	log.Printf("[ORCHESTRATORD] running for project %s", o.cfg.ProjectID)
	<-ctx.Done()
	wg.Wait()
}

// runStuckCheck periodically drives the stuck detector's silence check
// and feeds every resulting detection through the decision pipeline.
func (o *Orchestrator) runStuckCheck(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, evt := range o.matcher.CheckStuck(now) {
				o.HandleDetection(ctx, *evt)
			}
		}
	}
}

// HandleDetection runs one detection event through the decision engine
// and dispatches the resulting action or escalation. Exported for the
// out-of-scope console-output reader that would call it once per line
// observed from a sandbox's stdout/stderr.
func (o *Orchestrator) HandleDetection(ctx context.Context, evt model.DetectionEvent) {
	project, err := o.store.GetProject(o.cfg.ProjectID)
	if err != nil {
		log.Printf("[ORCHESTRATORD] get project for detection: %v", err)
		return
	}

	d := o.decisions.Evaluate(evt, project.AutonomyLevel, time.Now())

	switch d.Action {
	case model.ActionEscalate:
		output := strings.Join(o.matcher.RecentLines(evt.AgentID), "\n")
		if _, err := o.escalations.CreateEscalation(project.ID, evt, d, output); err != nil {
			log.Printf("[ORCHESTRATORD] create escalation: %v", err)
		}
	case model.ActionAutonomous:
		entry, err := o.actions.Execute(ctx, project.ID, d.ActionType, evt)
		success := err == nil && entry != nil && entry.Outcome == model.OutcomeSuccess
		if d.MetricID != "" {
			o.decisions.RecordOutcome(d.MetricID, success)
		}
		if err != nil {
			log.Printf("[ORCHESTRATORD] execute action %s: %v", d.ActionType, err)
		}
	case model.ActionIgnore:
		// Below every detector's noise floor; nothing to do.
	}
}

// RecordCost appends a cost event and lets the Budget Tracker raise a
// budget_exceeded escalation if this crosses the project's alert
// threshold. Exported for the out-of-scope billing webhook consumer.
func (o *Orchestrator) RecordCost(e *model.CostEvent) error {
	return o.budgets.RecordCost(e)
}

// logNotifier is the prompt_agent fallback when no NATS connection is
// configured: it logs the prompt instead of delivering it, so single-node
// deployments without a message bus still get a (visible, not silently
// dropped) autonomous action outcome.
type logNotifier struct{}

func (logNotifier) Prompt(ctx context.Context, agentID, message string) error {
	log.Printf("[ORCHESTRATORD] prompt %s: %s", agentID, message)
	return nil
}
