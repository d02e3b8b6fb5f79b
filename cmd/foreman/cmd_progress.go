package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"foreman/pkg/progress"

	"github.com/spf13/cobra"
)

func newProgressCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "progress [worker]",
		Short: "Show active task progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				p, err := e.progressStore()
				if err != nil {
					return err
				}
				records := p.GetAll()
				if len(args) == 1 {
					r, ok := p.Get(args[0])
					if !ok {
						return fmt.Errorf("no active task for %s", args[0])
					}
					records = map[string]*progress.Record{args[0]: r}
				}
				out := cmd.OutOrStdout()
				if asJSON {
					sums := make([]progress.Summary, 0, len(records))
					for _, name := range sortedKeys(records) {
						sums = append(sums, records[name].Summarize())
					}
					return writeJSON(out, sums)
				}
				if len(records) == 0 {
					fmt.Fprintln(out, "no active tasks")
					return nil
				}
				for _, name := range sortedKeys(records) {
					printRecord(out, records[name])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON summaries")
	cmd.AddCommand(newReportCmd())
	return cmd
}

// newReportCmd lets a worker, or an operator on its behalf, report progress
// outside of the tool's output stream.
func newReportCmd() *cobra.Command {
	var work string
	var appendWork bool
	cmd := &cobra.Command{
		Use:   "report <worker> [<path> <percent> [note...]]",
		Short: "Record progress on a worker's active task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return fmt.Errorf("a path needs a percent")
			}
			if len(args) == 1 && work == "" {
				return fmt.Errorf("nothing to report")
			}
			return withEnv(cmd.Context(), func(e *env) error {
				p, err := e.progressStore()
				if err != nil {
					return err
				}
				worker := args[0]
				if len(args) >= 3 {
					pct, err := strconv.Atoi(args[2])
					if err != nil {
						return fmt.Errorf("invalid percent %q", args[2])
					}
					if !p.UpdateResource(worker, args[1], pct, strings.Join(args[3:], " ")) {
						return fmt.Errorf("no active task for %s", worker)
					}
				}
				if work != "" {
					var ok bool
					if appendWork {
						ok = p.AppendCurrentWork(worker, work)
					} else {
						ok = p.UpdateCurrentWork(worker, work)
					}
					if !ok {
						return fmt.Errorf("no active task for %s", worker)
					}
				}
				if r, ok := p.Get(worker); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d%%\n", worker, r.Percent())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&work, "work", "", "current work description")
	cmd.Flags().BoolVar(&appendWork, "append", false, "append to the current work instead of replacing it")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <worker> [key]",
		Short: "List archived tasks, or show one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				p, err := e.progressStore()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(args) == 2 {
					r, ok := p.Archived(args[0], args[1])
					if !ok {
						return fmt.Errorf("no archived task %s for %s", args[1], args[0])
					}
					printRecord(out, r)
					return nil
				}
				keys := p.History(args[0])
				if len(keys) == 0 {
					fmt.Fprintf(out, "no archived tasks for %s\n", args[0])
					return nil
				}
				for _, k := range keys {
					line := k
					if r, ok := p.Archived(args[0], k); ok {
						line = fmt.Sprintf("%s  %3d%%  %s", k, r.Percent(), oneLine(r.Task, 60))
					}
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
}

func printRecord(w io.Writer, r *progress.Record) {
	fmt.Fprintf(w, "%s: %d%% %s\n", r.Worker, r.Percent(), oneLine(r.Task, 72))
	fmt.Fprintf(w, "  started %s, updated %s\n", r.CreatedAt.Format(time.DateTime), r.UpdatedAt.Format(time.DateTime))
	for _, path := range r.Paths() {
		rp := r.Resources[path]
		fmt.Fprintf(w, "  %3d%%  %s", rp.Percent, path)
		if rp.Note != "" {
			fmt.Fprintf(w, "  (%s)", rp.Note)
		}
		fmt.Fprintln(w)
	}
	if r.CurrentWork != "" {
		fmt.Fprintf(w, "  working on: %s\n", oneLine(r.CurrentWork, 120))
	}
}

// oneLine flattens s and truncates it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
