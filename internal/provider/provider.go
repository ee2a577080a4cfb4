package provider

import (
	"context"
	"time"
)

// DeployStatus is the latest deployment status reported by the provider for
// a service. DeployUnknown means the provider returned no deployment yet.
type DeployStatus string

const (
	DeployQueued    DeployStatus = "QUEUED"
	DeployWaiting   DeployStatus = "WAITING"
	DeployBuilding  DeployStatus = "BUILDING"
	DeployDeploying DeployStatus = "DEPLOYING"
	DeploySleeping  DeployStatus = "SLEEPING"
	DeploySuccess   DeployStatus = "SUCCESS"
	DeployFailed    DeployStatus = "FAILED"
	DeployCrashed   DeployStatus = "CRASHED"
	DeployRemoved   DeployStatus = "REMOVED"
	DeploySkipped   DeployStatus = "SKIPPED"
	DeployUnknown   DeployStatus = ""
)

// InProgress reports whether the status is a pre-success transitional state.
func (s DeployStatus) InProgress() bool {
	switch s {
	case DeployQueued, DeployWaiting, DeployBuilding, DeployDeploying:
		return true
	}
	return false
}

// Terminal reports whether the status is a terminal failure state.
func (s DeployStatus) Terminal() bool {
	switch s {
	case DeployFailed, DeployCrashed, DeployRemoved, DeploySkipped:
		return true
	}
	return false
}

// Service is one entry from a provider listing.
type Service struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	EnvironmentID string       `json:"environmentId"`
	CreatedAt     time.Time    `json:"createdAt"`
	DeployStatus  DeployStatus `json:"deployStatus"`
}

// ExecResult is the outcome of a synchronous command run inside an instance.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Client is the narrow surface over the external compute provider.
// Implementations classify failures as transient (retriable), not-found
// (ErrNotFound) or fatal (any other error).
type Client interface {
	// CreateService creates a service from the configured source and seeds
	// its environment. Any deployment auto-started by the provider is the
	// caller's responsibility to cancel; CreateService itself only returns
	// the new service id.
	CreateService(ctx context.Context, name string, env map[string]string) (string, error)

	// CreateDomain allocates a public hostname for the service.
	CreateDomain(ctx context.Context, serviceID string) (string, error)

	// ServiceDomain returns the service's public hostname, ErrNotFound if
	// none has been allocated.
	ServiceDomain(ctx context.Context, serviceID string) (string, error)

	// ListServices returns a single batched listing of the managed
	// environment. An error means the listing is unavailable; callers must
	// not take destructive action on that tick.
	ListServices(ctx context.Context) ([]Service, error)

	// DeleteService removes the service and purges orphan volumes attached
	// to it. Deleting a missing service is success.
	DeleteService(ctx context.Context, serviceID string) error

	// RenameService changes the display name. Dashboard-only; never load
	// bearing.
	RenameService(ctx context.Context, serviceID, name string) error

	// Exec runs a shell script inside the instance and waits for it.
	Exec(ctx context.Context, serviceID, script string) (ExecResult, error)

	// StartDetached registers a named long-lived process inside the
	// instance. The provider restarts it after hibernation wake. Registering
	// the same name twice replaces the previous registration, so bounded
	// retries cannot double-start the process.
	StartDetached(ctx context.Context, serviceID, name, command string) error

	// SupportsCheckpoints reports whether filesystem checkpoints are
	// available on this provider.
	SupportsCheckpoints() bool

	// CreateCheckpoint snapshots the instance filesystem and returns the
	// checkpoint id parsed from the terminal stream event.
	CreateCheckpoint(ctx context.Context, serviceID, label string) (string, error)

	// RestoreCheckpoint resets the filesystem to the checkpoint and kills
	// running processes. Returns once the provider signals completion.
	RestoreCheckpoint(ctx context.Context, serviceID, checkpointID string) error

	// CancelDeployments cancels any in-progress deployments for the service.
	CancelDeployments(ctx context.Context, serviceID string) error

	// Deploy issues exactly one controlled deployment from the given ref.
	Deploy(ctx context.Context, serviceID, ref string) error
}
