package history

import (
	"testing"
	"time"
)

func TestStampAssignsIdentity(t *testing.T) {
	e := Event{Type: EventCreated, InstanceID: "abc123def456", ServiceID: "svc-1"}
	e.Stamp()

	if e.ID == "" {
		t.Error("Stamp must assign an id")
	}
	if e.OccurredAt.IsZero() {
		t.Error("Stamp must assign a timestamp")
	}
	if e.OccurredAt.Location() != time.UTC {
		t.Errorf("OccurredAt location = %v, want UTC", e.OccurredAt.Location())
	}
}

func TestStampPreservesExisting(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	e := Event{ID: "fixed-id", OccurredAt: at, Type: EventClaimed}
	e.Stamp()

	if e.ID != "fixed-id" {
		t.Errorf("ID = %q, Stamp must not overwrite", e.ID)
	}
	if !e.OccurredAt.Equal(at) {
		t.Errorf("OccurredAt = %v, Stamp must not overwrite", e.OccurredAt)
	}
}

func TestStampDistinctIDs(t *testing.T) {
	var a, b Event
	a.Stamp()
	b.Stamp()
	if a.ID == b.ID {
		t.Errorf("two stamped events share id %q", a.ID)
	}
}
