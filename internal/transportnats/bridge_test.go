package transportnats

import (
	"testing"

	"github.com/coderelay/orchestrator/internal/eventbus"
)

func TestSubjectForConvertsKindColonToDot(t *testing.T) {
	evt := eventbus.New("task:created", "TASK-123", "proj-1", nil, nil)
	if got, want := subjectFor(evt), "task.created.TASK-123"; got != want {
		t.Fatalf("subjectFor = %q, want %q", got, want)
	}
}

func TestSubjectForWithoutEntityID(t *testing.T) {
	evt := eventbus.New("overflow", "", "", nil, nil)
	if got, want := subjectFor(evt), "overflow"; got != want {
		t.Fatalf("subjectFor = %q, want %q", got, want)
	}
}
