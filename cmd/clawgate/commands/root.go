// Package commands implements the clawgate CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawgate",
		Short: "ClawGate - session gateway and agent sandbox orchestrator",
		Long: `ClawGate fronts AI agent sessions: it authenticates clients, applies
permission profiles to every tool call, runs tools inside pooled sandboxes
and records each decision in a tamper-evident audit log.

Examples:
  clawgate serve --config ./clawgate.yaml
  clawgate audit verify
  clawgate profiles check coding shell.exec '{"command":"ls -la"}'
  clawgate config set-token --generate`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newAuditCmd(),
		newProfilesCmd(),
		newPasswordCmd(),
		newConfigCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
