// Package config loads the orchestrator's environment-driven
// configuration from a YAML file, grounded on the teacher's
// LoadTeamsConfig/LoadProjectsConfig pair (internal/agents/config.go,
// internal/agents/projects.go): os.ReadFile followed by
// gopkg.in/yaml.v3 Unmarshal into a tagged struct, no framework.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/coderelay/orchestrator/internal/apierr"
	"gopkg.in/yaml.v3"
)

// Config holds the environment knobs spec.md §7 names: remote sandbox
// API key, master key for secret encryption, project id, heartbeat
// thresholds, grace period, max concurrent sandboxes, webhook URL.
// NATSURL selects an external cluster to connect to; when unset, an
// embedded single-node server is started on NATSEmbeddedPort instead
// (0 defaults to 4222), unless NATSDisabled opts out of NATS entirely
// for a single-process deployment with no remote sandbox bridge.
type Config struct {
	ProjectID          string        `yaml:"projectId"`
	DatabasePath       string        `yaml:"databasePath"`
	SandboxAPIKey      string        `yaml:"sandboxApiKey"`
	MasterKeyBase64    string        `yaml:"masterKey"`
	WebhookURL         string        `yaml:"webhookUrl"`
	NATSURL            string        `yaml:"natsUrl"`
	NATSEmbeddedPort   int           `yaml:"natsEmbeddedPort"`
	NATSDisabled       bool          `yaml:"natsDisabled"`
	MaxConcurrentSbx   int           `yaml:"maxConcurrentSandboxes"`
	SandboxLifetime    time.Duration `yaml:"sandboxLifetime"`
	ReassignGrace      time.Duration `yaml:"reassignmentGracePeriod"`
	HeartbeatWarning   time.Duration `yaml:"heartbeatWarningThreshold"`
	HeartbeatCritical  time.Duration `yaml:"heartbeatCriticalThreshold"`
	HeartbeatOffline   time.Duration `yaml:"heartbeatOfflineThreshold"`
	HealthCheckPeriod  time.Duration `yaml:"healthCheckPeriod"`
	LockSweepPeriod    time.Duration `yaml:"lockSweepPeriod"`
}

// defaults mirrors spec.md's default timeouts (§5) for any field left
// unset in the YAML file.
func defaults() Config {
	return Config{
		DatabasePath:      "data/orchestrator.db",
		MaxConcurrentSbx:  10,
		SandboxLifetime:   300 * time.Second,
		ReassignGrace:     300 * time.Second,
		HeartbeatWarning:  120 * time.Second,
		HeartbeatCritical: 300 * time.Second,
		HeartbeatOffline:  600 * time.Second,
		HealthCheckPeriod: 30 * time.Second,
		LockSweepPeriod:   60 * time.Second,
	}
}

// Load reads and parses a YAML config file at path, then applies the
// ORCHESTRATOR_* environment overrides read by applyEnvOverrides.
// Unset optional fields keep spec.md's documented defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Fatal("read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apierr.Fatal("parse config file %s: %v", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.ProjectID == "" {
		return nil, apierr.Validation("config: projectId is required")
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments override secrets and
// endpoints without editing the checked-in YAML, the same split the
// teacher uses between teams.yaml (checked in) and per-agent API keys
// (environment-only).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_SANDBOX_API_KEY"); v != "" {
		cfg.SandboxAPIKey = v
	}
	if v := os.Getenv("ORCHESTRATOR_MASTER_KEY"); v != "" {
		cfg.MasterKeyBase64 = v
	}
	if v := os.Getenv("ORCHESTRATOR_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_MAX_CONCURRENT_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentSbx = n
		}
	}
}
