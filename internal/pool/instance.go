package pool

import (
	"crypto/rand"
	"time"

	"github.com/convoshq/agentpool/internal/provider"
	"github.com/convoshq/agentpool/internal/store"
)

// Instance is one cache entry: the live, per-tick view of a provider service
// enriched with claim metadata where present.
type Instance struct {
	ID           string                `json:"id"`
	ServiceID    string                `json:"serviceId"`
	Name         string                `json:"name"`
	URL          string                `json:"url,omitempty"`
	State        State                 `json:"state"`
	DeployStatus provider.DeployStatus `json:"deployStatus,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	CheckpointID string                `json:"checkpointId,omitempty"`

	// claim fields, set only while claimed or crashed
	AgentName      string    `json:"agentName,omitempty"`
	ClaimedAt      time.Time `json:"claimedAt,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	InviteURL      string    `json:"inviteUrl,omitempty"`
	Instructions   string    `json:"instructions,omitempty"`
}

// enrich copies claim metadata from a store row onto the cache entry.
func (in *Instance) enrich(a store.Agent) {
	in.ID = a.ID
	in.AgentName = a.AgentName
	in.ClaimedAt = a.ClaimedAt
	in.ConversationID = a.ConversationID
	in.InviteURL = a.InviteURL
	in.Instructions = a.Instructions
	if a.CheckpointID != "" {
		in.CheckpointID = a.CheckpointID
	}
}

// Counts is the per-state summary served by /pool/counts.
type Counts struct {
	Starting int `json:"starting"`
	Idle     int `json:"idle"`
	Claimed  int `json:"claimed"`
	Crashed  int `json:"crashed"`
}

// Total is the number of live (non-crashed) instances counted against
// MaxTotal.
func (c Counts) Total() int { return c.Starting + c.Idle + c.Claimed }

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newInstanceID returns an opaque 12-char lowercase alphanumeric token.
func newInstanceID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}
