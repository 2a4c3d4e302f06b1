package ingestor_test

import (
	"testing"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
)

func TestPushEventAssignsIncreasingIDs(t *testing.T) {
	b := ingestor.NewBase("acme", "github", 10, "")
	e1 := b.PushEvent("push", map[string]any{"n": 1})
	e2 := b.PushEvent("push", map[string]any{"n": 2})

	if e2.ID <= e1.ID {
		t.Fatalf("expected increasing ids, got %d then %d", e1.ID, e2.ID)
	}
	if e1.Source != "github" {
		t.Errorf("expected source 'github', got %q", e1.Source)
	}
}

func TestGetEventsFiltersByAfterID(t *testing.T) {
	b := ingestor.NewBase("acme", "github", 10, "")
	for i := 0; i < 5; i++ {
		b.PushEvent("push", i)
	}
	events := b.GetEvents(3)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after id 3, got %d", len(events))
	}
}

func TestGetEventsNegativeAfterIDReturnsAll(t *testing.T) {
	b := ingestor.NewBase("acme", "github", 10, "")
	for i := 0; i < 3; i++ {
		b.PushEvent("push", i)
	}
	events := b.GetEvents(-1)
	if len(events) != 3 {
		t.Fatalf("expected all 3 events, got %d", len(events))
	}
}

func TestClearBufferKeepsIDCounterMonotonic(t *testing.T) {
	b := ingestor.NewBase("acme", "github", 10, "")
	b.PushEvent("push", 1)
	b.PushEvent("push", 2)
	b.ClearBuffer()

	if len(b.GetEvents(-1)) != 0 {
		t.Fatal("expected empty buffer after ClearBuffer")
	}

	e3 := b.PushEvent("push", 3)
	if e3.ID != 3 {
		t.Fatalf("expected id 3 to continue from before the clear, got %d", e3.ID)
	}
}

func TestStatusReflectsStateAndCounters(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	b := ingestor.NewBase("acme", "github", 10, "")
	b.SetClock(func() time.Time { return fixed })
	b.SetState(ingestor.StateConnected)
	b.PushEvent("push", 1)

	status := b.GetStatus()
	if status.State != ingestor.StateConnected {
		t.Errorf("got state %s, want %s", status.State, ingestor.StateConnected)
	}
	if status.TotalEventsReceived != 1 {
		t.Errorf("got total %d, want 1", status.TotalEventsReceived)
	}
	if !status.LastEventAt.Equal(fixed) {
		t.Errorf("got lastEventAt %v, want %v", status.LastEventAt, fixed)
	}
}

func TestSetErrorSetsStateAndMessage(t *testing.T) {
	b := ingestor.NewBase("acme", "github", 10, "")
	b.SetError("connection refused")

	status := b.GetStatus()
	if status.State != ingestor.StateError {
		t.Errorf("got state %s, want %s", status.State, ingestor.StateError)
	}
	if status.ErrorMessage != "connection refused" {
		t.Errorf("got error message %q", status.ErrorMessage)
	}
}
