package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCreated   EventType = "created"
	EventClaimed   EventType = "claimed"
	EventRecycled  EventType = "recycled"
	EventDestroyed EventType = "destroyed"
	EventDismissed EventType = "dismissed"
)

// Event represents an instance lifecycle event to be exported to external
// systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	InstanceID string    `json:"instance_id"`
	ServiceID  string    `json:"service_id"`
	AgentName  string    `json:"agent_name,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Stamp assigns an id and timestamp where missing. Senders call it once
// before fan-out so every sink records the same identity.
func (e *Event) Stamp() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
