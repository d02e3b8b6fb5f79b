package main

import (
	"fmt"

	"foreman/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Coordinate a fleet of coding workers",
		Long: "foreman hires named workers, hands them tasks, keeps them from editing\n" +
			"the same files, tracks their progress and recovers the ones that stall.",
		Version:       fmt.Sprintf("foreman %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newHireCmd(),
		newFireCmd(),
		newWorkersCmd(),
		newLockCmd(),
		newReleaseCmd(),
		newOwnerCmd(),
		newLocksCmd(),
		newRequestCmd(),
		newApproveCmd(),
		newDenyCmd(),
		newRequestsCmd(),
		newProgressCmd(),
		newHistoryCmd(),
		newAssignCmd(),
		newAssistCmd(),
		newStopCmd(),
		newCommandCmd(),
		newServeCmd(),
		newShutdownCmd(),
		newRunCmd(),
		newEventsCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
			return nil
		},
	}
}
