package zone

import (
	"testing"

	"github.com/coderelay/orchestrator/internal/model"
)

func TestCheckAccessScenario(t *testing.T) {
	cfg := model.ProjectZoneConfig{
		Zones: []model.ZoneDefinition{
			{Pattern: "src/frontend/**", Owners: []string{"ui"}, Shared: false},
		},
		DefaultPolicy: model.PolicyAllow,
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := m.CheckAccess("src/frontend/Button.tsx", "backend")
	if d.Allowed {
		t.Fatalf("expected denied, got allowed")
	}
	if d.Reason != "File is owned by [ui], not backend" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}

	d2 := m.CheckAccess("README.md", "backend")
	if !d2.Allowed {
		t.Fatalf("expected allowed by default, got denied: %s", d2.Reason)
	}
}

func TestCheckAccessSharedZone(t *testing.T) {
	cfg := model.ProjectZoneConfig{
		Zones: []model.ZoneDefinition{
			{Pattern: "docs/**", Shared: true},
		},
		DefaultPolicy: model.PolicyDeny,
	}
	m, _ := New(cfg)
	d := m.CheckAccess("docs/readme.md", "anyone")
	if !d.Allowed {
		t.Fatalf("expected shared zone to allow access")
	}
}

func TestCheckAccessFirstMatchWins(t *testing.T) {
	cfg := model.ProjectZoneConfig{
		Zones: []model.ZoneDefinition{
			{Pattern: "src/**", Owners: []string{"a"}},
			{Pattern: "src/frontend/**", Owners: []string{"b"}},
		},
		DefaultPolicy: model.PolicyDeny,
	}
	m, _ := New(cfg)
	d := m.CheckAccess("src/frontend/x.go", "a")
	if !d.Allowed {
		t.Fatalf("expected first zone (owned by a) to match and allow")
	}
}

func TestGlobCompile(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"src/frontend/**", "src/frontend/a/b.tsx", true},
		{"src/frontend/**", "src/backend/a.go", false},
		{"*.go", "main.go", true},
		{"*.go", "sub/main.go", false},
		{"src/?.go", "src/a.go", true},
		{"src/?.go", "src/ab.go", false},
	}
	for _, c := range cases {
		re, err := Compile(c.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", c.pattern, err)
		}
		if got := re.MatchString(c.path); got != c.match {
			t.Errorf("Compile(%q).MatchString(%q) = %v, want %v", c.pattern, c.path, got, c.match)
		}
	}
}

func TestDefaultDenyNoZonesHasNoAccess(t *testing.T) {
	cfg := model.ProjectZoneConfig{DefaultPolicy: model.PolicyDeny}
	m, _ := New(cfg)
	if m.HasAnyAccess() {
		t.Fatal("expected HasAnyAccess to be false for empty zones + deny default")
	}
}

func TestCheckAccessDeterministic(t *testing.T) {
	cfg := model.ProjectZoneConfig{
		Zones:         []model.ZoneDefinition{{Pattern: "a/**", Owners: []string{"x"}}},
		DefaultPolicy: model.PolicyDeny,
	}
	m, _ := New(cfg)
	d1 := m.CheckAccess("a/b.go", "y")
	d2 := m.CheckAccess("a/b.go", "y")
	if d1.Allowed != d2.Allowed || d1.Reason != d2.Reason {
		t.Fatal("CheckAccess is not deterministic for identical inputs")
	}
}
