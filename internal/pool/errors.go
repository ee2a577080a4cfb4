package pool

import "errors"

var (
	// ErrNoIdle means no idle instance was available to claim.
	ErrNoIdle = errors.New("pool: no idle instance available")

	// ErrNotFound means no cache entry matches the requested instance id.
	ErrNotFound = errors.New("pool: instance not found")

	// ErrConflict means the selected instance was already bound to a
	// conversation when the claim reached its gateway.
	ErrConflict = errors.New("pool: instance already bound")

	// ErrAtCapacity means a creation request would exceed MaxTotal.
	ErrAtCapacity = errors.New("pool: at max capacity")
)
