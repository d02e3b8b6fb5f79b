package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"foreman/pkg/dispatcher"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// eventsPoll is the --follow polling interval.
var eventsPoll = time.Second //nolint:gochecknoglobals // shortened in tests

type eventsConfig struct {
	worker string
	typ    string
	since  time.Duration
	tail   int
	follow bool
	asJSON bool
}

func newEventsCmd() *cobra.Command {
	var cfg eventsConfig
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query and tail the event log",
		Long:  "Displays assignments, completions, help requests, recoveries and\nescalations recorded by the daemon and the CLI.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			r, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()
			return runEvents(cmd.Context(), cmd.OutOrStdout(), r, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.worker, "worker", "w", "", "only events for this worker")
	cmd.Flags().StringVarP(&cfg.typ, "type", "t", "", "only events of this type (e.g. escalation)")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events")
	cmd.Flags().BoolVar(&cfg.asJSON, "json", false, "print one JSON object per event")
	return cmd
}

func runEvents(ctx context.Context, w io.Writer, r *eventlog.Reader, cfg eventsConfig) error {
	opts := eventlog.QueryOpts{Worker: cfg.worker, Type: cfg.typ, Limit: cfg.tail}
	if cfg.since > 0 {
		after := time.Now().Add(-cfg.since)
		opts.After = &after
	}
	evs, err := r.Query(ctx, opts)
	if err != nil {
		return err
	}
	if len(evs) == 0 && !cfg.follow {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	// Query returns newest first.
	var lastID int64
	for i := len(evs) - 1; i >= 0; i-- {
		if err := printEvent(w, evs[i], cfg.asJSON); err != nil {
			return err
		}
		lastID = evs[i].ID
	}
	if !cfg.follow {
		return nil
	}

	ticker := time.NewTicker(eventsPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			opts.SinceID = lastID
			opts.Limit = 0
			opts.After = nil
			evs, err := r.Query(ctx, opts)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for i := len(evs) - 1; i >= 0; i-- {
				if err := printEvent(w, evs[i], cfg.asJSON); err != nil {
					return err
				}
				lastID = evs[i].ID
			}
		}
	}
}

func printEvent(w io.Writer, e eventlog.Event, asJSON bool) error {
	if asJSON {
		return writeJSONLine(w, e)
	}
	worker := e.Worker
	if worker == "" {
		worker = "-"
	}
	fmt.Fprintf(w, "%s  %-14s %-10s %s", e.CreatedAt.Local().Format(time.DateTime), e.Type, worker, e.Source)
	if e.Payload != "" {
		fmt.Fprintf(w, "  %s", oneLine(e.Payload, 160))
	}
	fmt.Fprintln(w)
	return nil
}

func newLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <worker>",
		Short: "Show the tail of a worker's tool output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			logRoot := filepath.Join(paths.Home, protocol.WorkersDir)
			out, err := dispatcher.TailWorkerLog(logRoot, args[0], lines)
			if err != nil {
				return err
			}
			if out == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no output recorded for %s\n", args[0])
				return nil
			}
			for _, l := range out {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return cmd
}
