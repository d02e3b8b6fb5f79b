// Package dispatcher is the foreman daemon. It composes the roster, ledger,
// progress store, supervisor, bridge, health monitor and recovery manager,
// and drives them from directives queued in the commands table.
package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"foreman/pkg/bridge"
	"foreman/pkg/eventlog"
	"foreman/pkg/health"
	"foreman/pkg/ledger"
	"foreman/pkg/progress"
	"foreman/pkg/protocol"
	"foreman/pkg/roster"
	"foreman/pkg/supervisor"

	"golang.org/x/sync/errgroup"
)

// --- Config ---

// Config holds Dispatcher configuration.
type Config struct {
	Home            string                 // State directory (progress documents, worker logs).
	Supervisor      supervisor.Config      // Session behavior; LogRoot defaults to Home/workers.
	Bridge          bridge.Config          // Stuck timer and sweep timing.
	Health          health.MonitorConfig   // Sampling interval and anomaly windows.
	Inferer         supervisor.PathInferer // Resource path inference (default heuristic rooted at ".").
	CommandPoll     time.Duration          // Commands table poll interval (default 2s).
	ShutdownTimeout time.Duration          // Time allowed to stop sessions on shutdown (default 10s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Supervisor.LogRoot == "" && out.Home != "" {
		out.Supervisor.LogRoot = filepath.Join(out.Home, protocol.WorkersDir)
	}
	if out.Inferer == nil {
		out.Inferer = supervisor.NewHeuristicInferer(".")
	}
	if out.CommandPoll == 0 {
		out.CommandPoll = 2 * time.Second
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	return out
}

// --- Dispatcher ---

// Dispatcher is the daemon.
type Dispatcher struct {
	cfg      Config
	db       *sql.DB
	logger   *slog.Logger
	roster   *roster.Roster
	ledger   *ledger.Ledger
	progress *progress.Store
	sup      *supervisor.Supervisor
	bridge   *bridge.Bridge
	monitor  *health.Monitor
	recovery *health.Recovery
	events   *eventlog.Writer
	notifier eventlog.Notifier

	mu        sync.Mutex
	escalator Escalator
	waiters   map[string]chan supervisor.Result

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New wires every service over db. It does NOT start any loop; call Run.
func New(cfg Config, db *sql.DB, sp supervisor.Spawner, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	resolved := cfg.withDefaults()

	p, err := progress.NewStore(filepath.Join(resolved.Home, protocol.ProgressDir), logger)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}

	d := &Dispatcher{
		cfg:      resolved,
		db:       db,
		logger:   logger.With("component", "dispatcher"),
		progress: p,
		waiters:  make(map[string]chan supervisor.Result),
		nowFunc:  time.Now,
	}

	d.ledger = ledger.New(db, logger)
	d.roster = roster.New(db, d.ledger, p, logger)
	d.sup = supervisor.New(resolved.Supervisor, d.roster, d.ledger, p, sp, logger)
	d.sup.SetPathInferer(resolved.Inferer)
	d.sup.SetOnFinish(d.onFinish)
	d.roster.SetSessionStopper(d.sup)

	d.events = eventlog.NewWriter(db, "daemon", logger)
	d.notifier = eventlog.NewNotifier(d.events)
	d.bridge = bridge.New(resolved.Bridge, d.sup, p, d.notifier, logger)

	d.recovery = health.NewRecovery(d.bridge, logger)
	d.recovery.SetEscalation(d.escalate)
	d.monitor = health.NewMonitor(resolved.Health, d.roster, d.bridge, p, logger)
	d.monitor.SetCallback(d.onAnomaly)

	return d, nil
}

// SetEscalator adds an operator escalation channel on top of the event log.
func (d *Dispatcher) SetEscalator(e Escalator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.escalator = e
}

// SetNowFunc overrides the clock of the dispatcher and every service.
//
//foreman:testonly
func (d *Dispatcher) SetNowFunc(fn func() time.Time) {
	d.mu.Lock()
	d.nowFunc = fn
	d.mu.Unlock()
	d.ledger.SetNowFunc(fn)
	d.progress.SetNowFunc(fn)
	d.roster.SetNowFunc(fn)
	d.sup.SetNowFunc(fn)
	d.bridge.SetNowFunc(fn)
	d.monitor.SetNowFunc(fn)
	d.recovery.SetNowFunc(fn)
	d.events.SetNowFunc(fn)
}

func (d *Dispatcher) now() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nowFunc().UTC().Format(time.DateTime)
}

// Roster returns the fleet roster.
func (d *Dispatcher) Roster() *roster.Roster { return d.roster }

// Ledger returns the resource ownership ledger.
func (d *Dispatcher) Ledger() *ledger.Ledger { return d.ledger }

// Progress returns the task progress store.
func (d *Dispatcher) Progress() *progress.Store { return d.progress }

// Supervisor returns the session supervisor.
func (d *Dispatcher) Supervisor() *supervisor.Supervisor { return d.sup }

// Bridge returns the orchestration bridge.
func (d *Dispatcher) Bridge() *bridge.Bridge { return d.bridge }

// Monitor returns the health monitor.
func (d *Dispatcher) Monitor() *health.Monitor { return d.monitor }

// Recovery returns the recovery manager.
func (d *Dispatcher) Recovery() *health.Recovery { return d.recovery }

// Events returns the event log writer.
func (d *Dispatcher) Events() *eventlog.Writer { return d.events }

// Run starts the bridge loops, the health monitor and the command poller,
// and blocks until ctx is cancelled or a loop fails. On the way out every
// live session is stopped and the final completions are swept into the
// event log.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.bridge.Run(gctx) })
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.commandLoop(gctx) })

	d.logger.Info("daemon started", "home", d.cfg.Home)
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()
	d.sup.StopAll(shutdownCtx)
	d.sup.Wait()
	d.bridge.CheckCompletion(shutdownCtx)

	d.logger.Info("daemon stopped")
	return err
}

// RunTask assigns task to worker and blocks until the session finishes or
// ctx is cancelled, in which case the session is stopped. It is the
// foreground path used by `foreman run`.
func (d *Dispatcher) RunTask(ctx context.Context, worker, task string) (supervisor.Result, error) {
	ch := make(chan supervisor.Result, 1)
	d.mu.Lock()
	if _, busy := d.waiters[worker]; busy {
		d.mu.Unlock()
		return supervisor.Result{}, supervisor.ErrAlreadyRunning
	}
	d.waiters[worker] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, worker)
		d.mu.Unlock()
	}()

	if _, err := d.assign(ctx, worker, task); err != nil {
		return supervisor.Result{}, err
	}

	select {
	case res := <-ch:
		d.bridge.CheckCompletion(ctx)
		return res, nil
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
		defer cancel()
		d.sup.Stop(stopCtx, worker)
		res := <-ch
		d.bridge.CheckCompletion(stopCtx)
		return res, ctx.Err()
	}
}

// assign starts a tracked task and records the assignment.
func (d *Dispatcher) assign(ctx context.Context, worker, task string) (string, error) {
	id, err := d.bridge.Assign(ctx, worker, task)
	if err != nil {
		return "", err
	}
	if err := d.createAssignment(ctx, worker, id, task); err != nil {
		d.logger.Warn("record assignment", "worker", worker, "session", id, "error", err)
	}
	d.events.Record(ctx, protocol.EventTaskAssigned, worker, map[string]string{"session_id": id, "task": task})
	// A session can finish before its row exists; settle it here.
	if res, ok := d.sup.LastResult(worker); ok && res.SessionID == id {
		d.onFinish(res)
	}
	return id, nil
}

// onFinish is the supervisor's end-of-session hook.
func (d *Dispatcher) onFinish(res supervisor.Result) {
	status := protocol.AssignmentCompleted
	if !res.Success {
		status = protocol.AssignmentFailed
	}
	if err := d.completeAssignment(context.Background(), res.SessionID, status, res.Reason); err != nil {
		d.logger.Warn("complete assignment", "worker", res.Worker, "session", res.SessionID, "error", err)
	}

	d.mu.Lock()
	ch := d.waiters[res.Worker]
	d.mu.Unlock()
	if ch != nil {
		select {
		case ch <- res:
		default:
		}
	}
}

// onAnomaly is the health monitor's callback.
func (d *Dispatcher) onAnomaly(ctx context.Context, worker string, kinds []health.Kind, _ health.Snapshot) {
	rec := d.recovery.Recover(ctx, worker, kinds)
	d.events.Record(ctx, protocol.EventRecovery, worker, rec)

	// A restart starts a new session outside the command path.
	if rec.Action == health.ActionRestart && rec.Success {
		if info, ok := d.sup.Session(worker); ok {
			if err := d.createAssignment(ctx, worker, info.ID, info.Task); err != nil {
				d.logger.Warn("record assignment", "worker", worker, "session", info.ID, "error", err)
			}
		}
	}
}

// escalate is the recovery manager's escalation hook.
func (d *Dispatcher) escalate(ctx context.Context, worker string, rec health.Record) {
	d.notifier.Escalate(ctx, worker, rec)

	d.mu.Lock()
	e := d.escalator
	d.mu.Unlock()
	if e == nil {
		return
	}
	if err := e.Escalate(ctx, FormatEscalation(worker, rec)); err != nil {
		d.logger.Warn("escalate", "worker", worker, "error", err)
	}
}

// --- Commands ---

// commandLoop polls the commands table until ctx is cancelled.
func (d *Dispatcher) commandLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CommandPoll)
	defer ticker.Stop()

	for {
		if _, err := d.ProcessCommands(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("process commands", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessCommands applies every pending command in id order and returns how
// many were processed.
func (d *Dispatcher) ProcessCommands(ctx context.Context) (int, error) {
	cmds, err := d.pendingCommands(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range cmds {
		result, applyErr := d.applyCommand(ctx, c)
		status := protocol.CommandDone
		if applyErr != nil {
			status = protocol.CommandFailed
			result = applyErr.Error()
			d.events.Record(ctx, protocol.EventCommandFailed, c.Worker,
				map[string]any{"command_id": c.ID, "directive": c.Directive, "error": result})
			d.logger.Warn("command failed", "id", c.ID, "directive", c.Directive, "worker", c.Worker, "error", applyErr)
		}
		if err := d.markCommand(ctx, c.ID, status, result); err != nil {
			return 0, err
		}
	}
	return len(cmds), nil
}

// applyCommand executes one directive.
func (d *Dispatcher) applyCommand(ctx context.Context, c protocol.CommandRow) (string, error) {
	dir := protocol.Directive(c.Directive)
	if !dir.Valid() {
		return "", fmt.Errorf("unknown directive %q", c.Directive)
	}
	if dir.NeedsArgs() && c.Args == "" {
		return "", fmt.Errorf("%s requires an argument", dir)
	}

	switch dir {
	case protocol.DirectiveAssign:
		id, err := d.assign(ctx, c.Worker, c.Args)
		if err != nil {
			return "", fmt.Errorf("assign %s: %w", c.Worker, err)
		}
		return id, nil

	case protocol.DirectiveHelp:
		if !d.bridge.ProvideHelp(ctx, c.Worker, c.Args) {
			return "", fmt.Errorf("help %s: no tracked task", c.Worker)
		}
		d.events.Record(ctx, protocol.EventHelpProvided, c.Worker, c.Args)
		return "delivered", nil

	case protocol.DirectiveStop:
		if !d.sup.Stop(ctx, c.Worker) {
			return "", fmt.Errorf("stop %s: no running session", c.Worker)
		}
		return "stopped", nil

	case protocol.DirectiveFire:
		if err := d.roster.Fire(ctx, c.Worker); err != nil {
			return "", fmt.Errorf("fire %s: %w", c.Worker, err)
		}
		d.monitor.Forget(c.Worker)
		d.events.Record(ctx, protocol.EventWorkerFired, c.Worker, nil)
		return "fired", nil
	}
	return "", fmt.Errorf("unhandled directive %q", dir)
}

// --- SQLite helpers ---

// Enqueue queues a directive for the daemon and returns the command id.
func Enqueue(ctx context.Context, db *sql.DB, dir protocol.Directive, worker, args string) (int64, error) {
	if !dir.Valid() {
		return 0, fmt.Errorf("unknown directive %q", dir)
	}
	if dir.NeedsArgs() && args == "" {
		return 0, fmt.Errorf("%s requires an argument", dir)
	}
	if !protocol.ValidWorkerName(worker) {
		return 0, fmt.Errorf("invalid worker name %q", worker)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO commands (directive, worker, args) VALUES (?, ?, ?)`,
		string(dir), worker, args)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", dir, err)
	}
	return res.LastInsertId()
}

// ErrCommandNotFound is returned by GetCommand for an unknown id.
var ErrCommandNotFound = errors.New("command not found")

// GetCommand reads one command row.
func GetCommand(ctx context.Context, db *sql.DB, id int64) (protocol.CommandRow, error) {
	var c protocol.CommandRow
	err := db.QueryRowContext(ctx,
		`SELECT id, directive, worker, args, status, result, created_at, COALESCE(processed_at, '')
		   FROM commands WHERE id=?`, id).
		Scan(&c.ID, &c.Directive, &c.Worker, &c.Args, &c.Status, &c.Result, &c.CreatedAt, &c.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrCommandNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get command %d: %w", id, err)
	}
	return c, nil
}

// LatestAssignments returns the most recent assignment row per worker.
func LatestAssignments(ctx context.Context, db *sql.DB) (map[string]protocol.Assignment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, worker, session_id, task, status, reason, assigned_at, COALESCE(completed_at, '')
		   FROM assignments a
		  WHERE id = (SELECT MAX(id) FROM assignments b WHERE b.worker = a.worker)`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]protocol.Assignment)
	for rows.Next() {
		var a protocol.Assignment
		if err := rows.Scan(&a.ID, &a.Worker, &a.SessionID, &a.Task, &a.Status, &a.Reason, &a.AssignedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out[a.Worker] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func (d *Dispatcher) createAssignment(ctx context.Context, worker, sessionID, task string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO assignments (worker, session_id, task, assigned_at) VALUES (?, ?, ?, ?)`,
		worker, sessionID, task, d.now())
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (d *Dispatcher) completeAssignment(ctx context.Context, sessionID string, status protocol.AssignmentStatus, reason string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE assignments SET status=?, reason=?, completed_at=? WHERE session_id=? AND status='active'`,
		string(status), reason, d.now(), sessionID)
	if err != nil {
		return fmt.Errorf("complete assignment: %w", err)
	}
	return nil
}

func (d *Dispatcher) pendingCommands(ctx context.Context) ([]protocol.CommandRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, directive, worker, args, status, created_at FROM commands WHERE status='pending' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pending commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []protocol.CommandRow
	for rows.Next() {
		var c protocol.CommandRow
		if err := rows.Scan(&c.ID, &c.Directive, &c.Worker, &c.Args, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return cmds, nil
}

func (d *Dispatcher) markCommand(ctx context.Context, id int64, status protocol.CommandStatus, result string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE commands SET status=?, result=?, processed_at=? WHERE id=?`,
		string(status), result, d.now(), id)
	if err != nil {
		return fmt.Errorf("mark command %d: %w", id, err)
	}
	return nil
}
