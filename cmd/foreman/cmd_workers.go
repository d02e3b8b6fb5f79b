package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"foreman/pkg/dispatcher"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

func newHireCmd() *cobra.Command {
	var role string
	var caps []string
	cmd := &cobra.Command{
		Use:   "hire <name>",
		Short: "Add a worker to the fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				r, err := e.roster()
				if err != nil {
					return err
				}
				w, err := r.Hire(cmd.Context(), args[0], role, caps)
				if err != nil {
					return err
				}
				e.events().Record(cmd.Context(), protocol.EventWorkerHired, w.Name,
					map[string]any{"role": w.Role, "capabilities": w.Capabilities})
				fmt.Fprintf(cmd.OutOrStdout(), "hired %s (%s)\n", w.Name, w.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "developer", "role label")
	cmd.Flags().StringSliceVarP(&caps, "capability", "c", nil, "capability (repeatable)")
	return cmd
}

func newFireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fire <name>",
		Short: "Remove a worker, releasing its locks and progress",
		Long: "When the daemon is running the fire is queued so that it can stop the\n" +
			"worker's live session first. Otherwise the worker is removed directly.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				return runFire(cmd.Context(), cmd.OutOrStdout(), e, args[0])
			})
		},
	}
}

func runFire(ctx context.Context, w io.Writer, e *env, name string) error {
	if e.daemonRunning() {
		id, err := dispatcher.Enqueue(ctx, e.db, protocol.DirectiveFire, name, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "queued fire of %s (command %d)\n", name, id)
		return nil
	}
	r, err := e.roster()
	if err != nil {
		return err
	}
	if err := r.Fire(ctx, name); err != nil {
		return err
	}
	e.events().Record(ctx, protocol.EventWorkerFired, name, nil)
	fmt.Fprintf(w, "fired %s\n", name)
	return nil
}

func newWorkersCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List hired workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				r, err := e.roster()
				if err != nil {
					return err
				}
				workers, err := r.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, workers)
				}
				if len(workers) == 0 {
					fmt.Fprintln(out, "no workers hired")
					return nil
				}
				rows := make([][]string, 0, len(workers))
				for _, w := range workers {
					rows = append(rows, []string{w.Name, w.Role, strings.Join(w.Capabilities, ","), w.CreatedAt})
				}
				newTheme(out).printTable(out, []string{"NAME", "ROLE", "CAPABILITIES", "HIRED"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func writeJSONLine(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
