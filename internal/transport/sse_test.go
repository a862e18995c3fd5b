package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coderelay/orchestrator/internal/eventbus"
)

func TestRegisterQueuesConnectedHeartbeat(t *testing.T) {
	bus := eventbus.New(16)
	h := NewHub(bus)

	c := h.Register("proj-1")
	select {
	case frame := <-c.Send:
		if frame.Event != "heartbeat" {
			t.Fatalf("expected heartbeat frame, got %s", frame.Event)
		}
		var payload map[string]string
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			t.Fatalf("unmarshal heartbeat payload: %v", err)
		}
		if payload["status"] != "connected" || payload["projectId"] != "proj-1" {
			t.Fatalf("unexpected heartbeat payload: %+v", payload)
		}
	default:
		t.Fatal("expected an immediate connected heartbeat frame")
	}
}

func TestRunBroadcastsMatchingProjectEvents(t *testing.T) {
	bus := eventbus.New(16)
	h := NewHub(bus)
	c := h.Register("proj-1")
	<-c.Send // drain the initial connected heartbeat

	done := make(chan struct{})
	go h.Run(done)
	defer close(done)

	time.Sleep(10 * time.Millisecond) // let Run subscribe before publishing
	bus.Publish(eventbus.New("task:created", "t1", "proj-1", nil, nil))
	bus.Publish(eventbus.New("task:created", "t2", "proj-2", nil, nil))

	select {
	case frame := <-c.Send:
		if frame.Event != "task:created" {
			t.Fatalf("expected task:created frame, got %s", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a frame for the matching project")
	}

	select {
	case frame := <-c.Send:
		t.Fatalf("expected no frame for a different project, got %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	bus := eventbus.New(16)
	h := NewHub(bus)
	c := h.Register("proj-1")
	<-c.Send

	h.Unregister(c.ID)
	if _, ok := <-c.Send; ok {
		t.Fatal("expected client channel to be closed after Unregister")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unregister, got %d", h.ClientCount())
	}
}
