package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// shutdownPoll is how often shutdown --wait checks the daemon's PID.
var shutdownPoll = 100 * time.Millisecond

func newShutdownCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the running daemon",
		Long: "Sends SIGTERM to the daemon. The daemon stops every live session,\n" +
			"releasing locks and archiving progress, before it exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch status {
			case StatusStopped:
				fmt.Fprintln(out, "daemon is not running")
				return nil
			case StatusStale:
				fmt.Fprintln(out, "removing stale PID file (process already dead)")
				return RemovePIDFile(paths.PIDPath)
			}

			fmt.Fprintf(out, "sending SIGTERM to daemon (PID %d)\n", pid)
			if err := StopDaemon(paths.PIDPath); err != nil {
				return err
			}
			if wait <= 0 {
				return nil
			}
			deadline := time.Now().Add(wait)
			for IsProcessAlive(pid) {
				if time.Now().After(deadline) {
					return fmt.Errorf("daemon (PID %d) still running after %s", pid, wait)
				}
				time.Sleep(shutdownPoll)
			}
			fmt.Fprintln(out, "daemon stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "wait this long for the daemon to exit (0 returns at once)")
	return cmd
}
