package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/pkg/progress"
	"foreman/pkg/supervisor"
)

// fakeSessions is an in-memory Sessions. finish simulates a session ending.
type fakeSessions struct {
	mu       sync.Mutex
	seq      int
	active   map[string]supervisor.SessionInfo
	results  map[string]supervisor.Result
	nudges   map[string][]string
	starts   []string
	stops    []string
	startErr error
	progress *progress.Store
}

func newFakeSessions(p *progress.Store) *fakeSessions {
	return &fakeSessions{
		active:   make(map[string]supervisor.SessionInfo),
		results:  make(map[string]supervisor.Result),
		nudges:   make(map[string][]string),
		progress: p,
	}
}

func (f *fakeSessions) Start(_ context.Context, worker, task string, _ supervisor.StartOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if _, ok := f.active[worker]; ok {
		return "", supervisor.ErrAlreadyRunning
	}
	f.seq++
	id := fmt.Sprintf("sess-%d", f.seq)
	f.active[worker] = supervisor.SessionInfo{ID: id, Worker: worker, Task: task, Running: true}
	f.starts = append(f.starts, worker+":"+task)
	f.progress.Create(worker, task, []string{"src/auth.py", "tests"})
	return id, nil
}

func (f *fakeSessions) Stop(_ context.Context, worker string) bool {
	f.mu.Lock()
	f.stops = append(f.stops, worker)
	f.mu.Unlock()
	return f.finish(worker, false, "stopped")
}

func (f *fakeSessions) finish(worker string, success bool, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.active[worker]
	if !ok {
		return false
	}
	delete(f.active, worker)
	key, _ := f.progress.Complete(worker)
	f.results[worker] = supervisor.Result{
		SessionID:  info.ID,
		Worker:     worker,
		Task:       info.Task,
		Success:    success,
		Reason:     reason,
		ArchiveKey: key,
	}
	return true
}

func (f *fakeSessions) ActiveSessions() map[string]supervisor.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]supervisor.SessionInfo, len(f.active))
	for k, v := range f.active {
		out[k] = v
	}
	return out
}

func (f *fakeSessions) IsRunning(worker string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[worker]
	return ok
}

func (f *fakeSessions) LastResult(worker string) (supervisor.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[worker]
	return r, ok
}

func (f *fakeSessions) Nudge(worker, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[worker]; !ok {
		return false
	}
	f.nudges[worker] = append(f.nudges[worker], text)
	return true
}

func (f *fakeSessions) Status(worker string) supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[worker]; ok {
		return supervisor.StateRunning
	}
	if r, ok := f.results[worker]; ok && r.Success {
		return supervisor.StateCompleted
	}
	return supervisor.StateIdle
}

type recordingNotifier struct {
	mu          sync.Mutex
	completions []Completion
	help        []HelpRequest
	completed   chan Completion
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{completed: make(chan Completion, 16)}
}

func (n *recordingNotifier) NotifyCompletion(_ context.Context, c Completion) {
	n.mu.Lock()
	n.completions = append(n.completions, c)
	n.mu.Unlock()
	n.completed <- c
}

func (n *recordingNotifier) NotifyHelpNeeded(_ context.Context, h HelpRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.help = append(n.help, h)
}

type bridgeFixture struct {
	bridge   *Bridge
	sessions *fakeSessions
	progress *progress.Store
	notifier *recordingNotifier
	clock    *fakeClock
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	p, err := progress.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	clk := &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	p.SetNowFunc(clk.Now)
	s := newFakeSessions(p)
	n := newRecordingNotifier()
	b := New(Config{StuckTimeout: 10 * time.Minute}, s, p, n, nil)
	b.SetNowFunc(clk.Now)
	return &bridgeFixture{bridge: b, sessions: s, progress: p, notifier: n, clock: clk}
}

func TestAssignTracksAndArms(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	id, err := f.bridge.Assign(ctx, "alice", "add login")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	if task := f.bridge.WorkerStatus("alice").Task; task != "add login" {
		t.Fatalf("Task = %q", task)
	}
	d, ok := f.bridge.Scheduler().Deadline("alice")
	if !ok || !d.Equal(f.clock.Now().Add(10*time.Minute)) {
		t.Fatalf("deadline = %v, %v", d, ok)
	}

	if _, err := f.bridge.Assign(ctx, "alice", "again"); !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Fatalf("second Assign err = %v, want ErrAlreadyRunning", err)
	}
	if task := f.bridge.WorkerStatus("alice").Task; task != "add login" {
		t.Fatalf("failed Assign replaced the tracked task: %q", task)
	}
}

func TestStuckTimerRaisesHelpRequest(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if _, err := f.bridge.Assign(ctx, "alice", "add login"); err != nil {
		t.Fatal(err)
	}
	f.progress.UpdateResource("alice", "src/auth.py", 60, "halfway")
	f.progress.UpdateCurrentWork("alice", strings.Repeat("x", 250))

	f.clock.Advance(9 * time.Minute)
	if due := f.bridge.Scheduler().PopDue(); len(due) != 0 {
		t.Fatalf("fired before the timeout: %v", due)
	}
	f.clock.Advance(2 * time.Minute)
	for _, w := range f.bridge.Scheduler().PopDue() {
		f.bridge.onStuck(ctx, w)
	}

	if len(f.notifier.help) != 1 {
		t.Fatalf("help requests = %d, want 1", len(f.notifier.help))
	}
	h := f.notifier.help[0]
	if h.Worker != "alice" || h.Task != "add login" || h.Percent != 30 {
		t.Fatalf("help request = %+v", h)
	}
	if len(h.InProgress) != 1 || h.InProgress[0] != "src/auth.py" {
		t.Fatalf("in progress = %v", h.InProgress)
	}
	if got := len([]rune(h.CurrentWork)); got != 203 || !strings.HasSuffix(h.CurrentWork, "...") {
		t.Fatalf("current work not truncated: %d runes", got)
	}
	if st := f.bridge.WorkerStatus("alice"); !st.Stuck || st.State != "running" {
		t.Fatalf("status = %+v", st)
	}
}

func TestStuckTimerIgnoresFinishedSession(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if _, err := f.bridge.Assign(ctx, "alice", "add login"); err != nil {
		t.Fatal(err)
	}
	f.sessions.finish("alice", true, "")
	f.bridge.onStuck(ctx, "alice")
	if len(f.notifier.help) != 0 {
		t.Fatalf("help raised for a finished session: %+v", f.notifier.help)
	}
}

func TestProvideHelp(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if f.bridge.ProvideHelp(ctx, "alice", "anything") {
		t.Fatal("ProvideHelp succeeded without a tracked task")
	}
	if _, err := f.bridge.Assign(ctx, "alice", "add login"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(11 * time.Minute)
	f.bridge.onStuck(ctx, "alice")

	if !f.bridge.ProvideHelp(ctx, "alice", "use bcrypt") {
		t.Fatal("ProvideHelp returned false")
	}
	st := f.bridge.WorkerStatus("alice")
	if st.Stuck || st.HelpCount != 1 {
		t.Fatalf("status = %+v, want unstuck with one help", st)
	}
	r, ok := f.progress.Get("alice")
	if !ok || !strings.Contains(r.CurrentWork, "help: use bcrypt") {
		t.Fatalf("current work = %q", r.CurrentWork)
	}
	if got := f.sessions.nudges["alice"]; len(got) != 1 || got[0] != "use bcrypt" {
		t.Fatalf("nudges = %v", got)
	}
	d, _ := f.bridge.Scheduler().Deadline("alice")
	if !d.Equal(f.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("timer not re-armed: %v", d)
	}
}

func TestCheckCompletion(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	for _, w := range []string{"bob", "alice"} {
		if _, err := f.bridge.Assign(ctx, w, "task for "+w); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.bridge.CheckCompletion(ctx); len(got) != 0 {
		t.Fatalf("completions with live sessions: %+v", got)
	}

	f.sessions.finish("bob", false, "exit 2")
	f.sessions.finish("alice", true, "")

	got := f.bridge.CheckCompletion(ctx)
	if len(got) != 2 {
		t.Fatalf("completions = %d, want 2", len(got))
	}
	if got[0].Worker != "alice" || !got[0].Success || got[0].ArchiveKey == "" {
		t.Fatalf("alice completion = %+v", got[0])
	}
	if got[1].Worker != "bob" || got[1].Success || got[1].Reason != "exit 2" {
		t.Fatalf("bob completion = %+v", got[1])
	}
	if len(f.bridge.Tracked()) != 0 || f.bridge.Scheduler().Len() != 0 {
		t.Fatalf("tracked = %v, timers = %d", f.bridge.Tracked(), f.bridge.Scheduler().Len())
	}
	if again := f.bridge.CheckCompletion(ctx); len(again) != 0 {
		t.Fatalf("completion reported twice: %+v", again)
	}
}

func TestRestartKeepsTask(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if ok, err := f.bridge.Restart(ctx, "alice"); ok || err != nil {
		t.Fatalf("Restart without task = %v, %v", ok, err)
	}

	first, err := f.bridge.Assign(ctx, "alice", "add login")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.bridge.Restart(ctx, "alice")
	if !ok || err != nil {
		t.Fatalf("Restart = %v, %v", ok, err)
	}
	if len(f.sessions.stops) != 1 || len(f.sessions.starts) != 2 {
		t.Fatalf("stops = %v, starts = %v", f.sessions.stops, f.sessions.starts)
	}
	if f.sessions.starts[1] != "alice:add login" {
		t.Fatalf("restart task = %q", f.sessions.starts[1])
	}
	info := f.sessions.ActiveSessions()["alice"]
	if info.ID == first {
		t.Fatal("restart reused the session id")
	}

	// The replaced session is not reported as a completion.
	if got := f.bridge.CheckCompletion(ctx); len(got) != 0 {
		t.Fatalf("completions after restart = %+v", got)
	}
}

func TestRestartStartFailure(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if _, err := f.bridge.Assign(ctx, "alice", "add login"); err != nil {
		t.Fatal(err)
	}
	f.sessions.startErr = errors.New("no capacity")
	if ok, err := f.bridge.Restart(ctx, "alice"); ok || err == nil {
		t.Fatalf("Restart = %v, %v, want failure", ok, err)
	}
	if len(f.bridge.Tracked()) != 0 {
		t.Fatalf("failed restart still tracked: %v", f.bridge.Tracked())
	}

	f.notifier.mu.Lock()
	got := append([]Completion(nil), f.notifier.completions...)
	f.notifier.mu.Unlock()
	if len(got) != 1 || got[0].Success || got[0].Task != "add login" || !strings.Contains(got[0].Reason, "no capacity") {
		t.Fatalf("completions = %+v, want one failed completion", got)
	}
	if swept := f.bridge.CheckCompletion(ctx); len(swept) != 0 {
		t.Fatalf("sweep reported %+v again", swept)
	}
}

func TestContinue(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if f.bridge.Continue(ctx, "alice") {
		t.Fatal("Continue succeeded without a tracked task")
	}
	if _, err := f.bridge.Assign(ctx, "alice", "add login"); err != nil {
		t.Fatal(err)
	}
	if !f.bridge.Continue(ctx, "alice") {
		t.Fatal("Continue returned false")
	}
	if got := f.sessions.nudges["alice"]; len(got) != 1 || got[0] != ContinueNudge {
		t.Fatalf("nudges = %v", got)
	}
	r, _ := f.progress.Get("alice")
	if !strings.Contains(r.CurrentWork, "nudge: continue") {
		t.Fatalf("current work = %q", r.CurrentWork)
	}
}

func TestRunReportsCompletion(t *testing.T) {
	p, err := progress.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := newFakeSessions(p)
	n := newRecordingNotifier()
	b := New(Config{SweepInterval: 50 * time.Millisecond}, s, p, n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if _, err := b.Assign(ctx, "alice", "add login"); err != nil {
		t.Fatal(err)
	}
	s.finish("alice", true, "")

	select {
	case c := <-n.completed:
		if c.Worker != "alice" || !c.Success {
			t.Fatalf("completion = %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("completion never reported")
	}
}
