// Package roster is the fleet roster: the set of hired workers and the
// cascade that runs when one is fired.
package roster

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"foreman/pkg/ledger"
	"foreman/pkg/progress"
	"foreman/pkg/protocol"
)

// ErrInvalidName is returned by Hire for names that cannot be used as a file
// name or a lock owner.
var ErrInvalidName = errors.New("invalid worker name")

// ErrWorkerExists is returned by Hire when the name is already taken.
var ErrWorkerExists = errors.New("worker already exists")

// SessionStopper stops a worker's live session, if any. The supervisor
// implements it; firing a worker stops its session before the cascade runs.
type SessionStopper interface {
	Stop(ctx context.Context, worker string) bool
}

// Roster manages the workers table.
type Roster struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	progress *progress.Store
	logger   *slog.Logger
	stopper  SessionStopper

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Roster. The ledger and progress store are the targets of the
// fire cascade.
func New(db *sql.DB, l *ledger.Ledger, p *progress.Store, logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Roster{
		db:       db,
		ledger:   l,
		progress: p,
		logger:   logger.With("component", "roster"),
		nowFunc:  time.Now,
	}
}

// SetSessionStopper wires the supervisor in after construction; the
// supervisor itself depends on the roster for worker lookups.
func (r *Roster) SetSessionStopper(s SessionStopper) {
	r.stopper = s
}

// SetNowFunc overrides the clock used for created_at.
//
//foreman:testonly
func (r *Roster) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// Hire adds a worker to the roster.
func (r *Roster) Hire(ctx context.Context, name, role string, caps []string) (protocol.Worker, error) {
	if !protocol.ValidWorkerName(name) {
		return protocol.Worker{}, fmt.Errorf("hire %q: %w", name, ErrInvalidName)
	}
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return protocol.Worker{}, fmt.Errorf("hire %s: marshal capabilities: %w", name, err)
	}

	w := protocol.Worker{
		Name:         name,
		Role:         role,
		Capabilities: caps,
		CreatedAt:    r.nowFunc().UTC().Format(time.RFC3339),
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workers (name, role, capabilities, created_at) VALUES (?, ?, ?, ?)`,
		w.Name, w.Role, string(capsJSON), w.CreatedAt)
	if err != nil {
		return protocol.Worker{}, fmt.Errorf("hire %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return protocol.Worker{}, fmt.Errorf("hire %s rows affected: %w", name, err)
	}
	if n == 0 {
		return protocol.Worker{}, fmt.Errorf("hire %s: %w", name, ErrWorkerExists)
	}

	r.logger.Info("worker hired", "worker", name, "role", role)
	return w, nil
}

// Fire removes a worker. Any live session is stopped first (which archives
// its progress), then every lock the worker holds is released, its pending
// requests are denied, and any leftover active progress record is deleted.
// It returns a *protocol.WorkerNotFoundError for unknown names.
func (r *Roster) Fire(ctx context.Context, name string) error {
	ok, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &protocol.WorkerNotFoundError{Name: name}
	}

	if r.stopper != nil {
		r.stopper.Stop(ctx, name)
	}

	released, err := r.ledger.ReleaseAll(ctx, name)
	if err != nil {
		return fmt.Errorf("fire %s: %w", name, err)
	}
	cancelled, err := r.ledger.CancelRequests(ctx, name)
	if err != nil {
		return fmt.Errorf("fire %s: %w", name, err)
	}
	if r.progress != nil {
		r.progress.Delete(name)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE name=?`, name); err != nil {
		return fmt.Errorf("fire %s: delete: %w", name, err)
	}

	r.logger.Info("worker fired", "worker", name, "released", len(released), "cancelled_requests", cancelled)
	return nil
}

// Get returns one worker.
func (r *Roster) Get(ctx context.Context, name string) (protocol.Worker, bool, error) {
	ws, err := r.query(ctx, workerSelect+` WHERE name=?`, name)
	if err != nil {
		return protocol.Worker{}, false, err
	}
	if len(ws) == 0 {
		return protocol.Worker{}, false, nil
	}
	return ws[0], true, nil
}

// Exists reports whether name is on the roster.
func (r *Roster) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers WHERE name=?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup worker %s: %w", name, err)
	}
	return n > 0, nil
}

// List returns every worker ordered by name.
func (r *Roster) List(ctx context.Context) ([]protocol.Worker, error) {
	return r.query(ctx, workerSelect+` ORDER BY name`)
}

// Names returns every worker name ordered by name.
func (r *Roster) Names(ctx context.Context) ([]string, error) {
	ws, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ws))
	for i, w := range ws {
		names[i] = w.Name
	}
	return names, nil
}

const workerSelect = `SELECT name, role, capabilities, created_at FROM workers`

func (r *Roster) query(ctx context.Context, q string, args ...any) ([]protocol.Worker, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ws []protocol.Worker
	for rows.Next() {
		var w protocol.Worker
		var caps string
		if err := rows.Scan(&w.Name, &w.Role, &caps, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
			r.logger.Warn("bad capabilities column", "worker", w.Name, "error", err)
			w.Capabilities = []string{}
		}
		ws = append(ws, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return ws, nil
}
