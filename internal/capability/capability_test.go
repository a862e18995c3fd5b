package capability

import (
	"testing"

	"github.com/coderelay/orchestrator/internal/model"
)

func capSet(caps ...string) map[string]bool {
	m := make(map[string]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

func reqSet(caps ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return m
}

func testAgents() []*model.AgentProfile {
	return []*model.AgentProfile{
		{ID: "claude", Status: model.AgentIdle, Capabilities: capSet("ts", "test", "react"), CostPerToken: model.CostPerToken{Input: 0.015, Output: 0.075}},
		{ID: "gemini", Status: model.AgentIdle, Capabilities: capSet("ts", "frontend"), CostPerToken: model.CostPerToken{Input: 0.001, Output: 0.004}},
		{ID: "codex", Status: model.AgentIdle, Capabilities: capSet("ts", "test"), CostPerToken: model.CostPerToken{Input: 0.01, Output: 0.03}},
	}
}

func TestFindBestAgentScenario1(t *testing.T) {
	agents := testAgents()

	agent, _, ok := FindBestAgent(agents, reqSet("ts", "test"), FindOptions{})
	if !ok || agent.ID != "codex" {
		t.Fatalf("expected codex, got %v ok=%v", agent, ok)
	}

	agent2, _, ok2 := FindBestAgent(agents, reqSet("ts", "test", "react"), FindOptions{})
	if !ok2 || agent2.ID != "claude" {
		t.Fatalf("expected claude, got %v ok=%v", agent2, ok2)
	}
}

func TestScoreEmptyRequiredIsOne(t *testing.T) {
	m := Score(&model.AgentProfile{ID: "a"}, reqSet())
	if m.Score != 1.0 {
		t.Fatalf("expected 1.0 for empty required set, got %v", m.Score)
	}
}

func TestScoreBounds(t *testing.T) {
	a := &model.AgentProfile{ID: "a", Capabilities: capSet("x")}
	m := Score(a, reqSet("x", "y", "z"))
	if m.Score < 0 || m.Score > 1 {
		t.Fatalf("score out of bounds: %v", m.Score)
	}
}

func TestFindBestAgentExcludesOfflineAndBlocked(t *testing.T) {
	agents := []*model.AgentProfile{
		{ID: "a", Status: model.AgentOffline, Capabilities: capSet("ts")},
		{ID: "b", Status: model.AgentBlocked, Capabilities: capSet("ts")},
		{ID: "c", Status: model.AgentIdle, Capabilities: capSet("ts")},
	}
	agent, _, ok := FindBestAgent(agents, reqSet("ts"), FindOptions{})
	if !ok || agent.ID != "c" {
		t.Fatalf("expected c, got %v ok=%v", agent, ok)
	}
}

func TestFindBestAgentMinScore(t *testing.T) {
	agents := testAgents()
	_, _, ok := FindBestAgent(agents, reqSet("ts", "test", "react", "security"), FindOptions{MinScore: 0.9})
	if ok {
		t.Fatal("expected no candidate above MinScore 0.9 for partial match")
	}
}

func TestFindBestAgentNoCandidates(t *testing.T) {
	_, _, ok := FindBestAgent(nil, reqSet("ts"), FindOptions{})
	if ok {
		t.Fatal("expected ok=false for empty agent list")
	}
}

func TestExtractRequiredCapabilities(t *testing.T) {
	tags := []string{"requires:ts", "requires:test", "other"}
	meta := map[string]interface{}{"requiredCapabilities": []interface{}{"react", "ts"}}
	got := ExtractRequiredCapabilities(tags, meta)
	want := reqSet("ts", "test", "react")
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k := range want {
		if _, ok := got[k]; !ok {
			t.Errorf("missing capability %q", k)
		}
	}
}

func TestExtractRequiredCapabilitiesDefensiveOnBadShape(t *testing.T) {
	meta := map[string]interface{}{"requiredCapabilities": "not-a-list"}
	got := ExtractRequiredCapabilities(nil, meta)
	if len(got) != 0 {
		t.Fatalf("expected empty set for malformed metadata, got %v", got)
	}
}
