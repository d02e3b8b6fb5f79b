package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"foreman/pkg/ledger"
	"foreman/pkg/progress"
	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// WorkerDirectory answers whether a worker is on the roster.
type WorkerDirectory interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Config controls session behavior. Zero values are replaced by defaults.
type Config struct {
	Mode      string        // Tool mode when StartOptions.Mode is empty (default "code").
	Model     string        // Tool model when StartOptions.Model is empty.
	StopGrace time.Duration // Time between SIGTERM and SIGKILL on Stop (default 5s).
	KillWait  time.Duration // Time to wait for the driver after SIGKILL (default 2s).
	LogRoot   string        // Tool output is teed to LogRoot/<worker>/output.log when set.
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Mode == "" {
		out.Mode = protocol.DefaultMode
	}
	if out.StopGrace == 0 {
		out.StopGrace = 5 * time.Second
	}
	if out.KillWait == 0 {
		out.KillWait = 2 * time.Second
	}
	return out
}

// session is one in-flight task execution.
type session struct {
	id        string
	worker    string
	task      string
	model     string
	mode      string
	startedAt time.Time

	// Set once the subprocess is spawned; nil while starting.
	proc   Process
	stdout io.ReadCloser
	stdin  io.WriteCloser

	resources []string

	stopRequested atomic.Bool
	cleanup       sync.Once
	done          chan struct{} // closed when the session has been cleaned up

	mu               sync.Mutex
	running          bool
	mentioned        map[string]bool
	explicitComplete bool
	errorLine        string
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		Worker:    s.worker,
		Task:      s.task,
		Model:     s.model,
		Mode:      s.mode,
		Running:   s.running,
		Resources: append([]string(nil), s.resources...),
		StartedAt: s.startedAt,
	}
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Supervisor runs at most one session per worker.
//
// Thread-safe: the session map, states, and results are guarded by mu. Each
// session's cleanup runs exactly once, whichever of the driver goroutine or
// Stop reaches it first.
type Supervisor struct {
	cfg      Config
	workers  WorkerDirectory
	ledger   *ledger.Ledger
	progress *progress.Store
	spawner  Spawner
	inferer  PathInferer
	parser   Parser
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	states   map[string]State
	results  map[string]Result
	onFinish func(Result)

	wg sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Supervisor. The inferer and parser default to
// NewHeuristicInferer(".") and MarkerParser.
func New(cfg Config, workers WorkerDirectory, l *ledger.Ledger, p *progress.Store, sp Spawner, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		workers:  workers,
		ledger:   l,
		progress: p,
		spawner:  sp,
		inferer:  NewHeuristicInferer("."),
		parser:   MarkerParser{},
		logger:   logger.With("component", "supervisor"),
		sessions: make(map[string]*session),
		states:   make(map[string]State),
		results:  make(map[string]Result),
		nowFunc:  time.Now,
	}
}

// SetPathInferer replaces the path inference strategy.
func (s *Supervisor) SetPathInferer(pi PathInferer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferer = pi
}

// SetParser replaces the output parser.
func (s *Supervisor) SetParser(p Parser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parser = p
}

// SetOnFinish registers a callback invoked after every session cleanup and
// before Stop or Wait observe the session as finished. fn must not call
// Stop.
func (s *Supervisor) SetOnFinish(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = fn
}

// SetNowFunc overrides the clock.
//
//foreman:testonly
func (s *Supervisor) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

func (s *Supervisor) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFunc()
}

func (s *Supervisor) setState(worker string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[worker] = st
}

// --- Start ---

// Start begins a session for worker. It returns as soon as the tool has been
// spawned; the session runs on its own driver goroutine.
//
// Start fails with ErrUnknownWorker, ErrAlreadyRunning, or ErrBlocked (no
// candidate path could be locked). A spawn failure is returned as a
// *protocol.SpawnError after the session has been cleaned up.
func (s *Supervisor) Start(ctx context.Context, worker, task string, opts StartOptions) (string, error) {
	ok, err := s.workers.Exists(ctx, worker)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", worker, err)
	}
	if !ok {
		return "", fmt.Errorf("start %s: %w", worker, ErrUnknownWorker)
	}

	sess := &session{
		id:        uuid.NewString(),
		worker:    worker,
		task:      task,
		model:     firstNonEmpty(opts.Model, s.cfg.Model),
		mode:      firstNonEmpty(opts.Mode, s.cfg.Mode),
		startedAt: s.now(),
		mentioned: make(map[string]bool),
		done:      make(chan struct{}),
	}

	// Reserve the worker slot before doing anything slow so a concurrent
	// Start for the same worker fails fast.
	s.mu.Lock()
	if cur, ok := s.sessions[worker]; ok && !cur.finished() {
		s.mu.Unlock()
		return "", fmt.Errorf("start %s: %w", worker, ErrAlreadyRunning)
	}
	s.sessions[worker] = sess
	s.states[worker] = StateStarting
	inferer := s.inferer
	s.mu.Unlock()

	candidates := inferer.Infer(task)
	outcomes, err := s.ledger.Lock(ctx, worker, candidates, task)
	if err != nil {
		s.logger.Warn("lock failed", "worker", worker, "error", err)
	}
	var locked []string
	for _, p := range ledger.SortedPaths(outcomes) {
		if outcomes[p].Held() {
			locked = append(locked, p)
		}
	}

	if len(locked) == 0 {
		// Nothing is held, so there is nothing to clean up.
		s.mu.Lock()
		delete(s.sessions, worker)
		s.states[worker] = StateBlocked
		s.mu.Unlock()
		close(sess.done)
		s.logger.Info("session blocked", "worker", worker, "candidates", candidates)
		return "", fmt.Errorf("start %s: %w", worker, ErrBlocked)
	}

	sess.mu.Lock()
	sess.resources = locked
	sess.mu.Unlock()
	s.progress.Create(worker, task, locked)

	if sess.stopRequested.Load() {
		s.finish(sess, Result{Stopped: true, Reason: "stopped"})
		return "", fmt.Errorf("start %s: %w", worker, ErrStoppedDuringStart)
	}

	proc, stdout, stdin, err := s.spawner.Spawn(ctx, SpawnRequest{
		Worker: worker,
		Mode:   sess.mode,
		Model:  sess.model,
		Prompt: BuildPrompt(worker, task, locked),
	})
	if err != nil {
		var se *protocol.SpawnError
		if !errors.As(err, &se) {
			err = &protocol.SpawnError{Worker: worker, Tool: "spawner", Err: err}
		}
		s.finish(sess, Result{ExitCode: -1, Reason: err.Error()})
		return "", fmt.Errorf("start %s: %w", worker, err)
	}

	sess.mu.Lock()
	sess.proc = proc
	sess.stdout = stdout
	sess.stdin = stdin
	sess.running = true
	stopping := sess.stopRequested.Load()
	sess.mu.Unlock()
	s.setState(worker, StateRunning)

	s.wg.Add(1)
	go s.drive(sess)

	if stopping {
		// Stop arrived while spawning and is waiting on the driver.
		_ = proc.Kill()
	}

	s.logger.Info("session started", "worker", worker, "session", sess.id, "resources", locked)
	return sess.id, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- Driver ---

// drive scans the tool's output until EOF, waits for the process, classifies
// the outcome, and runs cleanup.
func (s *Supervisor) drive(sess *session) {
	defer s.wg.Done()

	s.mu.Lock()
	parser := s.parser
	s.mu.Unlock()

	var tee io.Writer = io.Discard
	if f := s.openOutputLog(sess.worker); f != nil {
		defer func() { _ = f.Close() }()
		tee = f
	}

	err := readLines(sess.stdout, maxLineBytes, func(line string) {
		fmt.Fprintln(tee, line)
		if ev, ok := parser.Parse(line); ok {
			s.apply(sess, ev)
		}
	})
	if err != nil {
		s.logger.Warn("read tool output", "worker", sess.worker, "session", sess.id, "error", err)
	}
	_ = sess.stdout.Close()

	waitErr := sess.proc.Wait()
	code := exitCode(waitErr)

	sess.mu.Lock()
	errLine := sess.errorLine
	sess.mu.Unlock()

	res := Result{ExitCode: code, Success: code == 0 && errLine == ""}
	switch {
	case sess.stopRequested.Load():
		res.Success = false
		res.Stopped = true
		res.Reason = "stopped"
	case code != 0 && errLine != "":
		res.Reason = fmt.Sprintf("exit %d: %s", code, errLine)
	case code != 0:
		res.Reason = fmt.Sprintf("exit %d", code)
	case errLine != "":
		res.Reason = errLine
	}
	s.finish(sess, res)
}

// maxLineBytes caps a single output line; the rest of a longer line is
// discarded so later lines are still parsed.
const maxLineBytes = 1024 * 1024

// readLines calls fn for every line of r without its line ending. Lines
// longer than limit are truncated, not fatal. It returns the first read
// error other than io.EOF.
func readLines(r io.Reader, limit int, fn func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if room := limit - len(buf); room > 0 {
			buf = append(buf, chunk[:min(len(chunk), room)]...)
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err != nil && len(buf) == 0:
			if err == io.EOF {
				return nil
			}
			return err
		}
		fn(strings.TrimRight(string(buf), "\r\n"))
		buf = buf[:0]
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Supervisor) openOutputLog(worker string) *os.File {
	if s.cfg.LogRoot == "" {
		return nil
	}
	dir := filepath.Join(s.cfg.LogRoot, worker)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("create output log dir", "worker", worker, "error", err)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is built from a validated worker name
	if err != nil {
		s.logger.Warn("open output log", "worker", worker, "error", err)
		return nil
	}
	return f
}

// trackedPath maps a path mentioned in tool output to one of the session's
// locked resources. A mention matches a resource exactly, as a file inside a
// locked directory, or by path suffix ("auth.py" for "src/auth.py").
func (sess *session) trackedPath(mention string) (string, bool) {
	m := ledger.NormalizePath(mention)
	if m == "" {
		return "", false
	}
	for _, r := range sess.resources {
		switch {
		case m == r:
			return r, true
		case strings.HasPrefix(m, r+"/"):
			return r, true
		case strings.HasSuffix(r, "/"+m):
			return r, true
		}
	}
	return "", false
}

// apply turns one parser event into progress store updates.
func (s *Supervisor) apply(sess *session, ev Event) {
	switch ev.Kind {
	case EventFileTouched:
		path, ok := sess.trackedPath(ev.Path)
		if !ok {
			return
		}
		sess.mu.Lock()
		first := !sess.mentioned[path]
		sess.mentioned[path] = true
		sess.mu.Unlock()
		if first {
			s.progress.Update(sess.worker, func(r *progress.Record) {
				if r.Resources[path].Percent < 50 {
					r.SetResource(path, 50, "in progress")
				}
			})
		}

	case EventFileDone, EventProgress:
		path, ok := sess.trackedPath(ev.Path)
		if !ok {
			return
		}
		sess.mu.Lock()
		sess.mentioned[path] = true
		sess.mu.Unlock()
		note := ev.Note
		if ev.Kind == EventFileDone && note == "" {
			note = "done"
		}
		s.progress.UpdateResource(sess.worker, path, ev.Percent, note)

	case EventWorking:
		s.progress.UpdateCurrentWork(sess.worker, ev.Text)

	case EventTaskComplete:
		sess.mu.Lock()
		sess.explicitComplete = true
		sess.mu.Unlock()

	case EventError:
		sess.mu.Lock()
		if sess.errorLine == "" {
			sess.errorLine = ev.Text
		}
		sess.mu.Unlock()
	}
}

func (s *Supervisor) markAllReady(worker, note string) {
	s.progress.Update(worker, func(r *progress.Record) {
		for _, p := range r.Paths() {
			if r.Resources[p].Percent < 100 {
				r.SetResource(p, 100, note)
			}
		}
	})
}

// --- Cleanup ---

// finish is the single cleanup path for every terminal outcome: success,
// failure, forced stop, and spawn failure. It releases all of the worker's
// locks, appends an outcome note, and archives the progress record.
func (s *Supervisor) finish(sess *session, res Result) {
	sess.cleanup.Do(func() {
		ctx := context.Background()

		sess.mu.Lock()
		sess.running = false
		explicit := sess.explicitComplete
		sess.mu.Unlock()

		// Paths are only tagged ready once the run is known to have succeeded.
		if res.Success {
			note := ""
			if explicit {
				note = "completed"
			}
			s.markAllReady(sess.worker, note)
		}

		note := "outcome: completed"
		switch {
		case res.Stopped:
			note = "outcome: stopped"
		case !res.Success:
			note = "outcome: failed (" + res.Reason + ")"
		}
		s.progress.AppendCurrentWork(sess.worker, note)

		released, err := s.ledger.ReleaseAll(ctx, sess.worker)
		if err != nil {
			s.logger.Error("release locks", "worker", sess.worker, "session", sess.id, "error", err)
		}
		key, _ := s.progress.Complete(sess.worker)

		if sess.stdin != nil {
			_ = sess.stdin.Close()
		}

		res.SessionID = sess.id
		res.Worker = sess.worker
		res.Task = sess.task
		res.ArchiveKey = key
		res.FinishedAt = s.now()

		state := StateCompleted
		switch {
		case res.Stopped:
			state = StateIdle
		case !res.Success:
			state = StateCrashed
		}

		s.mu.Lock()
		s.states[sess.worker] = state
		s.results[sess.worker] = res
		onFinish := s.onFinish
		s.mu.Unlock()

		// Hooks run before done closes so Stop returns with them applied.
		if onFinish != nil {
			onFinish(res)
		}
		close(sess.done)

		if !res.Success && !res.Stopped {
			tf := &protocol.ToolFailureError{Worker: sess.worker, ExitCode: res.ExitCode, Reason: res.Reason}
			s.logger.Warn("session failed", "worker", sess.worker, "session", sess.id, "error", tf, "released", released)
		} else {
			s.logger.Info("session finished", "worker", sess.worker, "session", sess.id,
				"success", res.Success, "stopped", res.Stopped, "released", released, "archive", key)
		}
	})
}

// --- Stop ---

// Stop terminates worker's live session: SIGTERM to the tool's process group,
// a grace period, then SIGKILL. It runs the same cleanup as a natural exit and
// returns true if a live session was stopped. Calling Stop again, or for a
// worker without a session, is a no-op returning false.
func (s *Supervisor) Stop(ctx context.Context, worker string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[worker]
	s.mu.Unlock()
	if !ok || sess.finished() {
		return false
	}
	if !sess.stopRequested.CompareAndSwap(false, true) {
		// Another Stop is already in flight; wait for it.
		select {
		case <-sess.done:
		case <-ctx.Done():
		}
		return false
	}

	sess.mu.Lock()
	proc := sess.proc
	stdout := sess.stdout
	sess.mu.Unlock()

	if proc == nil {
		// Still starting. Start sees the request and finishes the session
		// itself, either before spawning or by killing the fresh process.
		select {
		case <-sess.done:
		case <-ctx.Done():
		case <-time.After(s.cfg.StopGrace + s.cfg.KillWait):
			s.logger.Warn("session still starting after stop", "worker", worker, "session", sess.id)
		}
		s.reap(worker, sess)
		return true
	}

	if err := proc.Interrupt(); err != nil {
		s.logger.Warn("interrupt tool", "worker", worker, "error", err)
	}

	select {
	case <-sess.done:
	case <-time.After(s.cfg.StopGrace):
		s.logger.Info("grace period expired, killing", "worker", worker, "session", sess.id)
		if err := proc.Kill(); err != nil {
			s.logger.Warn("kill tool", "worker", worker, "error", err)
		}
		select {
		case <-sess.done:
		case <-time.After(s.cfg.KillWait):
			// A descendant may be holding the output pipe open. Unblock the
			// driver and clean up from here.
			_ = stdout.Close()
			s.finish(sess, Result{Stopped: true, ExitCode: -1, Reason: "stopped"})
		}
	}

	s.reap(worker, sess)
	return true
}

// reap removes sess from the live map if it is still the worker's session.
func (s *Supervisor) reap(worker string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[worker] == sess {
		delete(s.sessions, worker)
	}
}

// --- Queries ---

// ActiveSessions returns the live sessions keyed by worker. Sessions whose
// driver has already finished are reaped first.
func (s *Supervisor) ActiveSessions() map[string]SessionInfo {
	s.mu.Lock()
	var live []*session
	for w, sess := range s.sessions {
		if sess.finished() {
			delete(s.sessions, w)
			continue
		}
		live = append(live, sess)
	}
	s.mu.Unlock()

	out := make(map[string]SessionInfo, len(live))
	for _, sess := range live {
		out[sess.worker] = sess.info()
	}
	return out
}

// ActiveWorkers returns the names of workers with a live session, sorted.
func (s *Supervisor) ActiveWorkers() []string {
	active := s.ActiveSessions()
	names := make([]string, 0, len(active))
	for w := range active {
		names = append(names, w)
	}
	sort.Strings(names)
	return names
}

// IsRunning reports whether worker has a live session.
func (s *Supervisor) IsRunning(worker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[worker]
	return ok && !sess.finished()
}

// Session returns worker's live session.
func (s *Supervisor) Session(worker string) (SessionInfo, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[worker]
	s.mu.Unlock()
	if !ok || sess.finished() {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// Status returns worker's state; workers never started are idle.
func (s *Supervisor) Status(worker string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[worker]; ok {
		return st
	}
	return StateIdle
}

// LastResult returns the outcome of worker's most recent session.
func (s *Supervisor) LastResult(worker string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[worker]
	return r, ok
}

// Nudge writes text as one line to the tool's stdin. It returns false if the
// worker has no live session or the tool takes no input.
func (s *Supervisor) Nudge(worker, text string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[worker]
	s.mu.Unlock()
	if !ok || sess.finished() {
		return false
	}

	sess.mu.Lock()
	stdin, running := sess.stdin, sess.running
	sess.mu.Unlock()
	if stdin == nil || !running {
		return false
	}
	if _, err := io.WriteString(stdin, strings.TrimRight(text, "\n")+"\n"); err != nil {
		s.logger.Warn("nudge failed", "worker", worker, "error", err)
		return false
	}
	return true
}

// StopAll stops every live session. Used on daemon shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range s.ActiveWorkers() {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			s.Stop(ctx, w)
		}(w)
	}
	wg.Wait()
}

// Wait blocks until every driver goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
