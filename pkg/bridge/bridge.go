// Package bridge turns task assignments into supervisor sessions and watches
// them: it arms a stuck timer per assignment, raises help requests when a
// timer fires, forwards help back to the worker, and sweeps for finished
// sessions so the conversational layer hears about every completion.
package bridge

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"foreman/pkg/health"
	"foreman/pkg/progress"
	"foreman/pkg/supervisor"

	"github.com/fsnotify/fsnotify"
)

// Sessions is the part of the supervisor the bridge drives.
type Sessions interface {
	Start(ctx context.Context, worker, task string, opts supervisor.StartOptions) (string, error)
	Stop(ctx context.Context, worker string) bool
	ActiveSessions() map[string]supervisor.SessionInfo
	IsRunning(worker string) bool
	LastResult(worker string) (supervisor.Result, bool)
	Nudge(worker, text string) bool
	Status(worker string) supervisor.State
}

// Completion tells the conversational layer a tracked task has ended.
type Completion struct {
	Worker     string `json:"worker"`
	Task       string `json:"task"`
	SessionID  string `json:"session_id"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// HelpRequest summarizes a stuck worker for the conversational layer.
type HelpRequest struct {
	Worker      string    `json:"worker"`
	Task        string    `json:"task"`
	Percent     int       `json:"percent"`
	InProgress  []string  `json:"in_progress"`
	CurrentWork string    `json:"current_work"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// Notifier receives the bridge's outbound notifications. Implementations
// must not block for long; they are called from the bridge's loops.
type Notifier interface {
	NotifyCompletion(ctx context.Context, c Completion)
	NotifyHelpNeeded(ctx context.Context, h HelpRequest)
}

// ContinueNudge is sent to a worker whose progress has stagnated.
const ContinueNudge = "Please continue with the task. Report progress with [PROGRESS] and [DONE] markers."

// Config controls bridge timing. Zero values are replaced by defaults.
type Config struct {
	StuckTimeout     time.Duration // Time without help before a help request (default 10m).
	SweepInterval    time.Duration // Completion sweep cadence (default 30s).
	CurrentWorkLimit int           // Max characters of current work in a HelpRequest (default 200).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StuckTimeout == 0 {
		out.StuckTimeout = 10 * time.Minute
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = 30 * time.Second
	}
	if out.CurrentWorkLimit == 0 {
		out.CurrentWorkLimit = 200
	}
	return out
}

// trackedTask is the bridge's view of one assignment.
type trackedTask struct {
	worker     string
	task       string
	sessionID  string
	assignedAt time.Time
	stuck      bool
	helpCount  int
}

// Bridge mediates between the conversational layer and the supervisor.
//
// Thread-safe: tasks is guarded by mu; notifications are sent without
// holding it.
type Bridge struct {
	cfg      Config
	sessions Sessions
	progress *progress.Store
	notifier Notifier
	sched    *Scheduler
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]*trackedTask

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Bridge. A nil notifier drops notifications.
func New(cfg Config, sessions Sessions, p *progress.Store, n Notifier, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &Bridge{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		progress: p,
		notifier: n,
		sched:    NewScheduler(),
		logger:   logger.With("component", "bridge"),
		tasks:    make(map[string]*trackedTask),
		nowFunc:  time.Now,
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyCompletion(context.Context, Completion)  {}
func (nopNotifier) NotifyHelpNeeded(context.Context, HelpRequest) {}

// Scheduler exposes the stuck-timer scheduler.
func (b *Bridge) Scheduler() *Scheduler { return b.sched }

// SetNowFunc overrides the clock used for assignment stamps and the
// scheduler.
//
//foreman:testonly
func (b *Bridge) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	b.nowFunc = fn
	b.mu.Unlock()
	b.sched.SetNowFunc(fn)
}

// Assign starts a session for worker and arms its stuck timer.
func (b *Bridge) Assign(ctx context.Context, worker, task string) (string, error) {
	id, err := b.sessions.Start(ctx, worker, task, supervisor.StartOptions{})
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.tasks[worker] = &trackedTask{
		worker:     worker,
		task:       task,
		sessionID:  id,
		assignedAt: b.nowFunc(),
	}
	b.mu.Unlock()
	b.sched.Arm(worker, b.cfg.StuckTimeout)

	b.logger.Info("task assigned", "worker", worker, "session", id)
	return id, nil
}

// Tracked returns the workers with a tracked task, sorted.
func (b *Bridge) Tracked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.tasks))
	for w := range b.tasks {
		names = append(names, w)
	}
	sort.Strings(names)
	return names
}

// onStuck handles a fired stuck timer.
func (b *Bridge) onStuck(ctx context.Context, worker string) {
	b.mu.Lock()
	t, ok := b.tasks[worker]
	if !ok {
		b.mu.Unlock()
		return
	}
	if !b.sessions.IsRunning(worker) {
		b.mu.Unlock()
		// The session already ended; reap it and let the sweep report it.
		b.sessions.ActiveSessions()
		return
	}
	t.stuck = true
	req := HelpRequest{Worker: worker, Task: t.task, AssignedAt: t.assignedAt}
	b.mu.Unlock()

	if r, ok := b.progress.Get(worker); ok {
		req.Percent = r.Percent()
		req.InProgress = r.StillWorkingOn()
		req.CurrentWork = truncate(r.CurrentWork, b.cfg.CurrentWorkLimit)
	}

	b.logger.Info("worker stuck, requesting help", "worker", worker, "percent", req.Percent)
	b.notifier.NotifyHelpNeeded(ctx, req)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// ProvideHelp delivers help text to a tracked worker: it is appended to the
// progress record's current work, written to the session's stdin, and the
// stuck timer is re-armed. It returns false if worker has no tracked task.
func (b *Bridge) ProvideHelp(_ context.Context, worker, text string) bool {
	b.mu.Lock()
	t, ok := b.tasks[worker]
	if !ok {
		b.mu.Unlock()
		return false
	}
	t.stuck = false
	t.helpCount++
	b.mu.Unlock()

	b.progress.AppendCurrentWork(worker, "help: "+text)
	delivered := b.sessions.Nudge(worker, text)
	b.sched.Arm(worker, b.cfg.StuckTimeout)

	b.logger.Info("help provided", "worker", worker, "delivered", delivered)
	return true
}

// CheckCompletion compares the tracked tasks with the supervisor's live
// sessions. Every tracked worker whose session is gone is reported to the
// notifier and dropped along with its timer.
func (b *Bridge) CheckCompletion(ctx context.Context) []Completion {
	// Snapshot under mu so an Assign racing with the sweep is either fully
	// tracked and live, or not yet tracked.
	b.mu.Lock()
	active := b.sessions.ActiveSessions()
	var done []*trackedTask
	for w, t := range b.tasks {
		if info, ok := active[w]; ok && info.ID == t.sessionID {
			continue
		}
		done = append(done, t)
		delete(b.tasks, w)
	}
	b.mu.Unlock()

	sort.Slice(done, func(i, j int) bool { return done[i].worker < done[j].worker })

	out := make([]Completion, 0, len(done))
	for _, t := range done {
		b.sched.Cancel(t.worker)
		c := Completion{Worker: t.worker, Task: t.task, SessionID: t.sessionID}
		if res, ok := b.sessions.LastResult(t.worker); ok && res.SessionID == t.sessionID {
			c.Success = res.Success
			c.Reason = res.Reason
			c.ArchiveKey = res.ArchiveKey
		} else {
			c.Reason = "session ended without a result"
		}
		b.logger.Info("task completed", "worker", t.worker, "session", t.sessionID, "success", c.Success)
		b.notifier.NotifyCompletion(ctx, c)
		out = append(out, c)
	}
	return out
}

// Restart stops worker's session and starts it again with the same task. It
// returns false with a nil error if worker has no tracked task. If the new
// session cannot start, the old task is reported as a failed completion.
func (b *Bridge) Restart(ctx context.Context, worker string) (bool, error) {
	b.mu.Lock()
	t, ok := b.tasks[worker]
	if ok {
		delete(b.tasks, worker)
	}
	b.mu.Unlock()
	if !ok {
		return false, nil
	}

	b.sched.Cancel(worker)
	b.sessions.Stop(ctx, worker)
	if _, err := b.Assign(ctx, worker, t.task); err != nil {
		c := Completion{
			Worker:    worker,
			Task:      t.task,
			SessionID: t.sessionID,
			Reason:    "restart failed: " + err.Error(),
		}
		if res, ok := b.sessions.LastResult(worker); ok && res.SessionID == t.sessionID {
			c.ArchiveKey = res.ArchiveKey
		}
		b.logger.Warn("restart failed", "worker", worker, "error", err)
		b.notifier.NotifyCompletion(ctx, c)
		return false, err
	}
	b.logger.Info("task restarted", "worker", worker)
	return true, nil
}

// Continue nudges worker to keep going and re-arms its stuck timer. It
// returns false if worker has no tracked task.
func (b *Bridge) Continue(_ context.Context, worker string) bool {
	b.mu.Lock()
	_, ok := b.tasks[worker]
	b.mu.Unlock()
	if !ok {
		return false
	}

	b.progress.AppendCurrentWork(worker, "nudge: continue")
	b.sessions.Nudge(worker, ContinueNudge)
	b.sched.Arm(worker, b.cfg.StuckTimeout)
	return true
}

// WorkerStatus reports worker's status for the health monitor.
func (b *Bridge) WorkerStatus(worker string) health.Status {
	st := health.Status{State: string(b.sessions.Status(worker))}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[worker]; ok {
		st.Task = t.task
		st.Stuck = t.stuck
		st.HelpCount = t.helpCount
	}
	return st
}

// --- Loops ---

// Run drives the stuck-timer scheduler and the completion sweep until ctx is
// cancelled. A filesystem watch on the progress archive triggers an early
// sweep as soon as a session archives its record; the ticker remains as a
// safety net.
func (b *Bridge) Run(ctx context.Context) error {
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		b.sched.Run(ctx, func(w string) { b.onStuck(ctx, w) })
	}()
	defer func() { <-schedDone }()

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	if watcher := b.watchArchive(); watcher != nil {
		defer func() { _ = watcher.Close() }()
		b.runWatched(ctx, watcher, ticker)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.CheckCompletion(ctx)
		}
	}
}

func (b *Bridge) runWatched(ctx context.Context, watcher *fsnotify.Watcher, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(ev.Name); err != nil {
						b.logger.Warn("watch archive dir", "dir", ev.Name, "error", err)
					}
				}
			}
			b.CheckCompletion(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("archive watcher error", "error", err)
		case <-ticker.C:
			b.CheckCompletion(ctx)
		}
	}
}

// watchArchive watches the archive root and every per-worker archive
// directory. It returns nil if watching is unavailable; Run then polls.
func (b *Bridge) watchArchive() *fsnotify.Watcher {
	root := b.progress.ArchiveRoot()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Warn("fsnotify unavailable, polling only", "error", err)
		return nil
	}
	if err := watcher.Add(root); err != nil {
		b.logger.Warn("watch archive root failed, polling only", "dir", root, "error", err)
		_ = watcher.Close()
		return nil
	}
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(root, e.Name()))
			}
		}
	}
	return watcher
}
