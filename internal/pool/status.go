package pool

import (
	"time"

	"github.com/convoshq/agentpool/internal/provider"
)

// State is the derived pool state of an instance.
type State string

const (
	StateStarting State = "starting"
	StateSleeping State = "sleeping"
	StateIdle     State = "idle"
	StateClaimed  State = "claimed"
	StateDead     State = "dead"
	// StateCrashed is never produced by Derive. The reconciler rewrites dead
	// or sleeping entries to crashed when a claim metadata row exists, since
	// that distinction depends on the store, not on provider inputs.
	StateCrashed State = "crashed"
)

// Probe is the result of a gateway /status probe. A nil *Probe means the
// gateway was unreachable or not yet probed.
type Probe struct {
	Ready          bool
	ConversationID string
}

// DefaultStuckTimeout is the age beyond which an unreachable instance with a
// successful deployment is considered dead rather than still starting.
const DefaultStuckTimeout = 15 * time.Minute

// Derive maps (deploy status, probe, age) to a pool state. It is total and
// deterministic: every input combination yields exactly one state.
func Derive(deploy provider.DeployStatus, probe *Probe, age, stuckTimeout time.Duration) State {
	if stuckTimeout <= 0 {
		stuckTimeout = DefaultStuckTimeout
	}
	switch {
	case deploy.InProgress():
		return StateStarting
	case deploy == provider.DeploySleeping:
		return StateSleeping
	case deploy.Terminal():
		return StateDead
	case deploy == provider.DeploySuccess:
		if probe != nil && probe.Ready {
			if probe.ConversationID != "" {
				return StateClaimed
			}
			return StateIdle
		}
		// gateway unreachable (or not ready yet): young instances are still
		// starting, old ones are stuck
		if age < stuckTimeout {
			return StateStarting
		}
		return StateDead
	default:
		// no deployment observed yet, or a status this version doesn't know
		if age < stuckTimeout {
			return StateStarting
		}
		return StateDead
	}
}
