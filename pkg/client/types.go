package client

import (
	"fmt"
	"time"
)

// ClaimRequest asks the pool for an idle instance bound to an agent.
type ClaimRequest struct {
	AgentName    string            `json:"agentName"`
	Instructions string            `json:"instructions,omitempty"`
	JoinURL      string            `json:"joinUrl,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`
}

// ClaimResult is the outcome of a successful claim.
type ClaimResult struct {
	InstanceID     string `json:"instanceId"`
	ConversationID string `json:"conversationId,omitempty"`
	InviteURL      string `json:"inviteUrl,omitempty"`
	Joined         bool   `json:"joined"`
}

// Counts summarizes the pool by lifecycle state.
type Counts struct {
	Starting int `json:"starting"`
	Idle     int `json:"idle"`
	Claimed  int `json:"claimed"`
	Crashed  int `json:"crashed"`
}

// Total is the number of live (non-crashed) instances.
func (c Counts) Total() int { return c.Starting + c.Idle + c.Claimed }

// InstanceInfo is one tracked instance as reported by the status and agents
// endpoints.
type InstanceInfo struct {
	ID             string    `json:"id"`
	ServiceID      string    `json:"serviceId"`
	Name           string    `json:"name"`
	URL            string    `json:"url,omitempty"`
	State          string    `json:"state"`
	DeployStatus   string    `json:"deployStatus,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	CheckpointID   string    `json:"checkpointId,omitempty"`
	AgentName      string    `json:"agentName,omitempty"`
	ClaimedAt      time.Time `json:"claimedAt,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	InviteURL      string    `json:"inviteUrl,omitempty"`
}

// PoolStatus is the authenticated full-pool dump.
type PoolStatus struct {
	Counts    Counts         `json:"counts"`
	Instances []InstanceInfo `json:"instances"`
}

// VersionInfo reports the server build and environment labels.
type VersionInfo struct {
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

type countRequest struct {
	Count int `json:"count"`
}

// ErrorResponse is the API error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// APIError carries the HTTP status alongside the server's error message so
// callers can distinguish pool-empty (503) from not-found (404) and
// conflict (409).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
