// Package cli wires the daemon's cobra command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// createRootCommand creates the root command with global flags
func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiruna",
		Short: "Single-host container orchestration daemon",
		Long: `kiruna reconciles the containers on this host toward a declarative
service manifest. It watches the manifest for changes, keeps every service's
containers healthy, publishes their endpoints into the registration store and
cleans up what previous generations left behind.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "manifest path (overrides KIRUNA_CONF)")

	return rootCmd
}
