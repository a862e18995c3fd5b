package notify

import "testing"

func TestSubjectForFormatsAgentCommand(t *testing.T) {
	if got, want := subjectFor("agent-1"), "agent.agent-1.command"; got != want {
		t.Fatalf("subjectFor = %q, want %q", got, want)
	}
}
