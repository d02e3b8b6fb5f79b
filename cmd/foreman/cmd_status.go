package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"foreman/pkg/dispatcher"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/supervisor"

	"github.com/spf13/cobra"
)

// workerStatus is one row of `foreman status`.
type workerStatus struct {
	Name     string           `json:"name"`
	Role     string           `json:"role"`
	State    supervisor.State `json:"state"`
	Task     string           `json:"task,omitempty"`
	Percent  int              `json:"percent"`
	Locks    int              `json:"locks"`
	Requests int              `json:"pending_requests"`
}

type fleetStatus struct {
	Daemon      DaemonStatusValue `json:"daemon"`
	PID         int               `json:"pid,omitempty"`
	Workers     []workerStatus    `json:"workers"`
	Escalations int               `json:"escalations_24h"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and fleet state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				st, err := collectStatus(ctx, e)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, st)
				}
				printStatus(out, st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// assignmentState maps the latest assignment row onto a session state. The
// daemon owns live sessions, so the CLI reads their trace from the database.
func assignmentState(a protocol.Assignment, ok bool) supervisor.State {
	if !ok {
		return supervisor.StateIdle
	}
	switch a.Status {
	case protocol.AssignmentActive:
		return supervisor.StateRunning
	case protocol.AssignmentFailed:
		return supervisor.StateCrashed
	default:
		return supervisor.StateCompleted
	}
}

func collectStatus(ctx context.Context, e *env) (fleetStatus, error) {
	var st fleetStatus
	var err error
	st.Daemon, st.PID, err = DaemonStatus(e.paths.PIDPath)
	if err != nil {
		return st, err
	}

	r, err := e.roster()
	if err != nil {
		return st, err
	}
	workers, err := r.List(ctx)
	if err != nil {
		return st, err
	}
	latest, err := dispatcher.LatestAssignments(ctx, e.db)
	if err != nil {
		return st, err
	}
	p, err := e.progressStore()
	if err != nil {
		return st, err
	}
	l := e.ledger()

	st.Workers = make([]workerStatus, 0, len(workers))
	for _, w := range workers {
		a, ok := latest[w.Name]
		ws := workerStatus{Name: w.Name, Role: w.Role, State: assignmentState(a, ok)}
		if ok {
			ws.Task = a.Task
		}
		if rec, ok := p.Get(w.Name); ok {
			ws.Percent = rec.Percent()
		}
		held, err := l.HeldBy(ctx, w.Name)
		if err != nil {
			return st, err
		}
		ws.Locks = len(held)
		pending, err := l.PendingFor(ctx, w.Name)
		if err != nil {
			return st, err
		}
		ws.Requests = len(pending)
		st.Workers = append(st.Workers, ws)
	}

	since := time.Now().Add(-24 * time.Hour)
	esc, err := eventlog.ReaderFromDB(e.db).Query(ctx, eventlog.QueryOpts{
		Type:  string(protocol.EventEscalation),
		After: &since,
	})
	if err != nil {
		return st, err
	}
	st.Escalations = len(esc)
	return st, nil
}

func printStatus(w io.Writer, st fleetStatus) {
	t := newTheme(w)
	daemon := string(st.Daemon)
	switch st.Daemon {
	case StatusRunning:
		daemon = t.success.Render(fmt.Sprintf("%s (pid %d)", st.Daemon, st.PID))
	case StatusStale:
		daemon = t.warning.Render(fmt.Sprintf("%s (pid %d)", st.Daemon, st.PID))
	}
	fmt.Fprintf(w, "daemon: %s\n", daemon)

	if len(st.Workers) == 0 {
		fmt.Fprintln(w, "no workers hired")
	} else {
		rows := make([][]string, 0, len(st.Workers))
		for _, ws := range st.Workers {
			rows = append(rows, []string{
				ws.Name, ws.Role, t.state(ws.State), strconv.Itoa(ws.Percent) + "%",
				strconv.Itoa(ws.Locks), strconv.Itoa(ws.Requests), oneLine(ws.Task, 48),
			})
		}
		t.printTable(w, []string{"WORKER", "ROLE", "STATE", "PROGRESS", "LOCKS", "REQUESTS", "TASK"}, rows)
	}

	if st.Escalations > 0 {
		fmt.Fprintln(w, t.failure.Render(fmt.Sprintf("%d escalation(s) in the last 24h; see `foreman events -t escalation`", st.Escalations)))
	}
}
