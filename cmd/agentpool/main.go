package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	cmd := command{}
	statusFlags := &StatusFlags{}
	agentsFlags := &APIFlags{}
	claimFlags := &ClaimFlags{}
	releaseFlags := &InstanceFlags{}
	destroyFlags := &InstanceFlags{}
	dismissFlags := &InstanceFlags{}
	replenishFlags := &CountFlags{}
	drainFlags := &CountFlags{}
	reconcileFlags := &APIFlags{}
	versionFlags := &APIFlags{}
	serveFlags := &ServeFlags{}

	root := createRootCommand()
	root.AddCommand(
		createServeCommand(serveFlags),
		createStatusCommand(cmd, statusFlags),
		createAgentsCommand(cmd, agentsFlags),
		createClaimCommand(cmd, claimFlags),
		createReleaseCommand(cmd, releaseFlags),
		createDestroyCommand(cmd, destroyFlags),
		createDismissCommand(cmd, dismissFlags),
		createReplenishCommand(cmd, replenishFlags),
		createDrainCommand(cmd, drainFlags),
		createReconcileCommand(cmd, reconcileFlags),
		createVersionCommand(cmd, versionFlags),
	)
	return root
}

func createRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agentpool",
		Short: "Warm pool of pre-provisioned agent instances",
		Long: `Agentpool keeps a pool of pre-provisioned agent instances warm on a
remote provider so claims hand out a ready instance in seconds.

Examples:
  agentpool serve --config=config.toml
  agentpool status
  agentpool claim --agent=reviewer --instructions="review the open PRs"
  agentpool status --api-url=https://pool.internal:8080 --token=$TOKEN`,
	}
}

// addAPIFlags attaches the shared control-plane connection flags.
func addAPIFlags(c *cobra.Command, f *APIFlags) {
	c.Flags().StringVar(&f.APIUrl, "api-url", "", "control plane URL (default http://127.0.0.1:8080)")
	c.Flags().StringVar(&f.Token, "token", "", "bearer token (default $AGENTPOOL_BEARER_TOKEN)")
	c.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	c.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	c.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate file for TLS verification")
}

func createServeCommand(flags *ServeFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the agentpool control plane",
		Long: `Start the control plane: the reconcile loop, the heartbeat prober and
the HTTP API. All configuration is loaded from a TOML file plus
AGENTPOOL_-prefixed environment overrides.

Examples:
  agentpool serve --config=config.toml
  agentpool serve config.toml
  AGENTPOOL_PROVIDER_TOKEN=... agentpool serve config.toml`,
		RunE: func(c *cobra.Command, args []string) error {
			return runServeCommand(flags, args)
		},
	}
	c.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return c
}

func createStatusCommand(cmd command, flags *StatusFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Show pool status",
		Long: `Show the per-state instance counts, or the full instance dump with
--full (requires the bearer token).

Examples:
  agentpool status
  agentpool status --full --token=$TOKEN
  agentpool status --api-url=https://pool.internal:8080`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Status(*flags)
		},
	}
	c.Flags().BoolVar(&flags.Full, "full", false, "show every tracked instance")
	addAPIFlags(c, &flags.API)
	return c
}

func createAgentsCommand(cmd command, flags *APIFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "agents",
		Short: "List claimed and crashed instances",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Agents(*flags)
		},
	}
	addAPIFlags(c, flags)
	return c
}

func createClaimCommand(cmd command, flags *ClaimFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "claim",
		Short: "Claim an idle instance for an agent",
		Long: `Claim an idle instance, bind it to an agent and print the resulting
conversation details.

Examples:
  agentpool claim --agent=reviewer
  agentpool claim --agent=reviewer --instructions="review the open PRs"
  agentpool claim --agent=triage --instructions-file=./triage.md --var team=infra
  agentpool claim --agent=helper --join-url=https://chat.example.com/r/abc`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Claim(*flags)
		},
	}
	c.Flags().StringVar(&flags.AgentName, "agent", "", "agent name (required)")
	c.Flags().StringVar(&flags.Instructions, "instructions", "", "instruction text for the agent")
	c.Flags().StringVar(&flags.InstructionsFile, "instructions-file", "", "file with instruction text (overrides --instructions)")
	c.Flags().StringVar(&flags.JoinURL, "join-url", "", "existing conversation to join instead of creating one")
	c.Flags().StringArrayVar(&flags.Vars, "var", nil, "template variable key=value (repeatable)")
	addAPIFlags(c, &flags.API)
	if err := c.MarkFlagRequired("agent"); err != nil {
		panic(err)
	}
	return c
}

func createReleaseCommand(cmd command, flags *InstanceFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "release <instance-id>",
		Short: "Release a claimed instance back to the pool",
		Long: `Release a claimed instance. Instances with a golden checkpoint are
recycled back to idle, the rest are destroyed.

Example:
  agentpool release k3x9f2ab7c4d`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			flags.InstanceID = args[0]
			return cmd.Release(*flags)
		},
	}
	addAPIFlags(c, &flags.API)
	return c
}

func createDestroyCommand(cmd command, flags *InstanceFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "destroy <instance-id>",
		Short: "Destroy an instance outright, skipping recycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			flags.InstanceID = args[0]
			return cmd.Destroy(*flags)
		},
	}
	addAPIFlags(c, &flags.API)
	return c
}

func createDismissCommand(cmd command, flags *InstanceFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "dismiss <instance-id>",
		Short: "Acknowledge a crashed instance and remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			flags.InstanceID = args[0]
			return cmd.Dismiss(*flags)
		},
	}
	addAPIFlags(c, &flags.API)
	return c
}

func createReplenishCommand(cmd command, flags *CountFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "replenish",
		Short: "Launch fresh instances up to the pool capacity",
		Example: `  agentpool replenish --count=2`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Replenish(*flags)
		},
	}
	c.Flags().IntVar(&flags.Count, "count", 1, "number of instances to launch")
	addAPIFlags(c, &flags.API)
	return c
}

func createDrainCommand(cmd command, flags *CountFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "drain",
		Short: "Destroy idle instances",
		Example: `  agentpool drain --count=2`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Drain(*flags)
		},
	}
	c.Flags().IntVar(&flags.Count, "count", 1, "number of idle instances to destroy")
	addAPIFlags(c, &flags.API)
	return c
}

func createReconcileCommand(cmd command, flags *APIFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger one reconciliation pass now",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Reconcile(*flags)
		},
	}
	addAPIFlags(c, flags)
	return c
}

func createVersionCommand(cmd command, flags *APIFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "version",
		Short: "Show the control plane version",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Version(*flags)
		},
	}
	addAPIFlags(c, flags)
	return c
}
