package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"foreman/pkg/dispatcher"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// directivePoll is how often --wait re-reads a queued command.
var directivePoll = 200 * time.Millisecond //nolint:gochecknoglobals // shortened in tests

func newAssignCmd() *cobra.Command {
	return newDirectiveCmd(protocol.DirectiveAssign, "assign <worker> <task...>",
		"Queue a task for a worker",
		"The daemon starts the task on its next poll. Resource paths are inferred\nfrom the task text.")
}

// newAssistCmd queues the help directive. The verb differs so that cobra's
// own help command keeps working.
func newAssistCmd() *cobra.Command {
	return newDirectiveCmd(protocol.DirectiveHelp, "assist <worker> <text...>",
		"Send help to a stuck worker",
		"The text is delivered to the worker's session and its stuck timer is reset.")
}

func newStopCmd() *cobra.Command {
	return newDirectiveCmd(protocol.DirectiveStop, "stop <worker>",
		"Stop a worker's running session",
		"The session is terminated, its locks are released and its progress archived.")
}

func newDirectiveCmd(dir protocol.Directive, use, short, long string) *cobra.Command {
	var wait time.Duration
	args := cobra.ExactArgs(1)
	if dir.NeedsArgs() {
		args = cobra.MinimumNArgs(2)
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				return runDirective(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), e, dir, argv, wait)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the daemon to apply the directive")
	return cmd
}

func runDirective(ctx context.Context, out, errOut io.Writer, e *env, dir protocol.Directive, argv []string, wait time.Duration) error {
	worker := argv[0]
	text := strings.Join(argv[1:], " ")
	if err := requireWorker(ctx, e, worker); err != nil {
		return err
	}
	id, err := dispatcher.Enqueue(ctx, e.db, dir, worker, text)
	if err != nil {
		return err
	}
	if !e.daemonRunning() {
		fmt.Fprintln(errOut, "warning: daemon is not running; start it with `foreman serve`")
	}
	if wait <= 0 {
		fmt.Fprintf(out, "queued %s for %s (command %d)\n", dir, worker, id)
		return nil
	}
	c, err := waitCommand(ctx, e.db, id, wait)
	if err != nil {
		return err
	}
	return printCommand(out, c)
}

// waitCommand polls a command row until the daemon has processed it.
func waitCommand(ctx context.Context, db *sql.DB, id int64, timeout time.Duration) (protocol.CommandRow, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(directivePoll)
	defer ticker.Stop()
	for {
		c, err := dispatcher.GetCommand(ctx, db, id)
		if err != nil {
			return c, err
		}
		if c.Status != string(protocol.CommandPending) {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return c, fmt.Errorf("command %d still pending after %s", id, timeout)
		case <-ticker.C:
		}
	}
}

func printCommand(w io.Writer, c protocol.CommandRow) error {
	switch protocol.CommandStatus(c.Status) {
	case protocol.CommandFailed:
		return fmt.Errorf("command %d (%s %s) failed: %s", c.ID, c.Directive, c.Worker, c.Result)
	case protocol.CommandPending:
		fmt.Fprintf(w, "command %d (%s %s) pending since %s\n", c.ID, c.Directive, c.Worker, c.CreatedAt)
	default:
		fmt.Fprintf(w, "command %d (%s %s) %s: %s\n", c.ID, c.Directive, c.Worker, c.Status, c.Result)
	}
	return nil
}

func newCommandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "command <id>",
		Short: "Show the state of a queued directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid command id %q", args[0])
			}
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				c, err := dispatcher.GetCommand(ctx, e.db, id)
				if err != nil {
					return err
				}
				return printCommand(cmd.OutOrStdout(), c)
			})
		},
	}
}
