package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no metadata row exists for the key.
var ErrNotFound = errors.New("store: agent not found")

// Agent is the durable metadata row written on a successful claim. It holds
// only what cannot be reconstructed from the provider and gateway. There is
// deliberately no status column; status is derived live each tick.
type Agent struct {
	ID             string // stable instance id, primary key
	ServiceID      string // provider service id
	AgentName      string // display name chosen by the claimer
	ConversationID string // may be empty while a join awaits acceptance
	InviteURL      string
	Instructions   string
	CheckpointID   string // golden checkpoint, empty when unsupported
	CreatedAt      time.Time
	ClaimedAt      time.Time
}

// Store persists claim metadata. Put and Delete must be idempotent; no
// multi-row transactions are required.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Put(ctx context.Context, a Agent) error
	Get(ctx context.Context, id string) (Agent, error)
	GetByService(ctx context.Context, serviceID string) (Agent, error)
	List(ctx context.Context) ([]Agent, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite" or "postgres"

	// SQLite
	Path string `toml:"path,omitempty" mapstructure:"path,omitempty"`

	// Postgres
	DSN string `toml:"dsn,omitempty" mapstructure:"dsn,omitempty"`
}

// Index builds a service-id keyed view of the rows for reconciliation.
func Index(agents []Agent) map[string]Agent {
	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		m[a.ServiceID] = a
	}
	return m
}

// Touch stamps CreatedAt/ClaimedAt if the caller left them zero.
func (a *Agent) Touch(now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.ClaimedAt.IsZero() {
		a.ClaimedAt = now
	}
}
