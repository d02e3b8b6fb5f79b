package main

import (
	"context"
	"fmt"
	"strconv"

	"foreman/pkg/ledger"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// requireWorker fails with WorkerNotFoundError when name is not hired.
func requireWorker(ctx context.Context, e *env, name string) error {
	r, err := e.roster()
	if err != nil {
		return err
	}
	ok, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &protocol.WorkerNotFoundError{Name: name}
	}
	return nil
}

func newLockCmd() *cobra.Command {
	var desc string
	cmd := &cobra.Command{
		Use:   "lock <worker> <path>...",
		Short: "Lock resource paths for a worker",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				if err := requireWorker(ctx, e, args[0]); err != nil {
					return err
				}
				outcomes, err := e.ledger().Lock(ctx, args[0], args[1:], desc)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, p := range ledger.SortedPaths(outcomes) {
					fmt.Fprintf(out, "%s: %s\n", p, outcomes[p])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&desc, "description", "d", "", "what the lock is for")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "release <worker> [path...]",
		Short: "Release a worker's locks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) < 2 {
				return fmt.Errorf("name paths to release or pass --all")
			}
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				var released []string
				var err error
				if all {
					released, err = e.ledger().ReleaseAll(ctx, args[0])
				} else {
					released, err = e.ledger().Release(ctx, args[0], args[1:])
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(released) == 0 {
					fmt.Fprintln(out, "nothing released")
					return nil
				}
				for _, p := range released {
					fmt.Fprintf(out, "released %s\n", p)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "release every path the worker holds")
	return cmd
}

func newOwnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owner <path>",
		Short: "Show which worker holds a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				owner, ok, err := e.ledger().OwnerOf(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "unlocked")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), owner)
				return nil
			})
		},
	}
}

func newLocksCmd() *cobra.Command {
	var worker string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List held locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				var locks []protocol.ResourceLock
				var err error
				if worker != "" {
					locks, err = e.ledger().HeldBy(ctx, worker)
				} else {
					locks, err = e.ledger().ListLocked(ctx)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, locks)
				}
				if len(locks) == 0 {
					fmt.Fprintln(out, "no locks held")
					return nil
				}
				rows := make([][]string, 0, len(locks))
				for _, l := range locks {
					rows = append(rows, []string{l.Path, l.Owner, l.Description, l.AcquiredAt})
				}
				newTheme(out).printTable(out, []string{"PATH", "OWNER", "DESCRIPTION", "SINCE"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&worker, "worker", "w", "", "only locks held by this worker")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRequestCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "request <requester> <path>",
		Short: "Ask a path's owner to hand it over",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				if err := requireWorker(ctx, e, args[0]); err != nil {
					return err
				}
				res, err := e.ledger().Request(ctx, args[0], args[1], reason)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.ID != 0 {
					fmt.Fprintf(out, "%s (request %d)\n", res.Outcome, res.ID)
				} else {
					fmt.Fprintln(out, res.Outcome)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the path is needed")
	return cmd
}

func newApproveCmd() *cobra.Command {
	return resolveRequestCmd("approve", "approved", "Hand a path over to its requester",
		func(ctx context.Context, l *ledger.Ledger, id int64) (bool, error) { return l.Approve(ctx, id) })
}

func newDenyCmd() *cobra.Command {
	return resolveRequestCmd("deny", "denied", "Refuse a pending request",
		func(ctx context.Context, l *ledger.Ledger, id int64) (bool, error) { return l.Deny(ctx, id) })
}

func resolveRequestCmd(verb, past, short string, fn func(context.Context, *ledger.Ledger, int64) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				ok, err := fn(ctx, e.ledger(), id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("request %d was not %s", id, past)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "request %d %s\n", id, past)
				return nil
			})
		},
	}
}

func newRequestsCmd() *cobra.Command {
	var owner, status string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List ownership requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withEnv(ctx, func(e *env) error {
				var reqs []protocol.ResourceRequest
				var err error
				if owner != "" {
					reqs, err = e.ledger().PendingFor(ctx, owner)
				} else {
					reqs, err = e.ledger().ListRequests(ctx, protocol.RequestStatus(status))
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, reqs)
				}
				if len(reqs) == 0 {
					fmt.Fprintln(out, "no requests")
					return nil
				}
				rows := make([][]string, 0, len(reqs))
				for _, r := range reqs {
					rows = append(rows, []string{
						strconv.FormatInt(r.ID, 10), r.Path, r.Requester, r.Owner, string(r.Status), r.Reason,
					})
				}
				newTheme(out).printTable(out, []string{"ID", "PATH", "REQUESTER", "OWNER", "STATUS", "REASON"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "pending requests addressed to this owner")
	cmd.Flags().StringVarP(&status, "status", "s", string(protocol.RequestPending), "pending, approved, denied or empty for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
