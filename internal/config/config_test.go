package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "projectId: proj-1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentSbx != 10 {
		t.Fatalf("expected default max concurrent sandboxes 10, got %d", cfg.MaxConcurrentSbx)
	}
	if cfg.HeartbeatOffline != 600*time.Second {
		t.Fatalf("expected default offline threshold 600s, got %v", cfg.HeartbeatOffline)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "projectId: proj-1\nmaxConcurrentSandboxes: 3\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentSbx != 3 {
		t.Fatalf("expected overridden value 3, got %d", cfg.MaxConcurrentSbx)
	}
}

func TestLoadRequiresProjectID(t *testing.T) {
	path := writeConfig(t, "databasePath: data/x.db\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing projectId")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	path := writeConfig(t, "projectId: proj-1\n")
	t.Setenv("ORCHESTRATOR_SANDBOX_API_KEY", "env-key")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SandboxAPIKey != "env-key" {
		t.Fatalf("expected env override, got %q", cfg.SandboxAPIKey)
	}
}
