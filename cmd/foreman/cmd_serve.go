package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"foreman/pkg/dispatcher"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// startDaemon opens the environment under the instance lock and wires a
// dispatcher. The returned cleanup releases everything in reverse order.
func startDaemon(ctx context.Context, console io.Writer) (*env, *dispatcher.Dispatcher, func(), error) {
	e, err := openEnv(ctx, console, true)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open foreman state: %w", err)
	}
	inst, err := AcquireInstance(e.paths)
	if err != nil {
		e.Close()
		return nil, nil, nil, err
	}
	d, err := dispatcher.New(e.cfg.Dispatcher(e.paths.Home), e.db, e.cfg.Spawner(), e.logger)
	if err != nil {
		inst.Release()
		e.Close()
		return nil, nil, nil, err
	}
	if len(e.cfg.Escalation.Command) > 0 {
		d.SetEscalator(dispatcher.NewHookEscalator(e.cfg.Escalation.Command, nil))
	}
	cleanup := func() {
		inst.Release()
		e.Close()
	}
	return e, d, cleanup, nil
}

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the foreman daemon in the foreground",
		Long: "Runs the command poller, the stuck-task timers, the completion sweep and\n" +
			"the health monitor until SIGINT or SIGTERM. Live sessions are stopped on\n" +
			"the way out.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var console io.Writer
			if !quiet {
				console = cmd.ErrOrStderr()
			}
			e, d, cleanup, err := startDaemon(ctx, console)
			if err != nil {
				return err
			}
			defer cleanup()

			e.logger.Info("serving", "home", e.paths.Home, "pid_file", e.paths.PIDPath)
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to the log file only")
	return cmd
}

func newRunCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run <worker> <task...>",
		Short: "Run one task in the foreground and wait for it",
		Long: "Starts the daemon loops in this process, runs the task on the worker and\n" +
			"exits when the session finishes. Interrupting stops the session.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, d, cleanup, err := startDaemon(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			loopCtx, cancelLoops := context.WithCancel(ctx)
			loopsDone := make(chan error, 1)
			go func() { loopsDone <- d.Run(loopCtx) }()

			res, runErr := d.RunTask(ctx, args[0], strings.Join(args[1:], " "))
			cancelLoops()
			<-loopsDone
			if runErr != nil {
				return runErr
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s finished session %s: ", res.Worker, res.SessionID)
				if res.Success {
					fmt.Fprintln(out, "completed")
				} else {
					fmt.Fprintf(out, "failed (%s)\n", res.Reason)
				}
			}
			if !res.Success {
				return &protocol.ToolFailureError{Worker: res.Worker, ExitCode: res.ExitCode, Reason: res.Reason}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session result as JSON")
	return cmd
}
