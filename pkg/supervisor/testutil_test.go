package supervisor_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foreman/pkg/ledger"
	"foreman/pkg/progress"
	"foreman/pkg/roster"
	"foreman/pkg/statedb"
	"foreman/pkg/supervisor"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// exitErr mimics *exec.ExitError for the supervisor's exit classification.
type exitErr struct{ code int }

func (e exitErr) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitErr) ExitCode() int { return e.code }

// mockProcess is a fake tool process. Output is written through out; the
// process "exits" when exit is called or when it receives a signal it honors.
type mockProcess struct {
	out    *io.PipeWriter
	waitCh chan struct{}
	once   sync.Once

	mu          sync.Mutex
	code        int
	interrupted bool
	killed      bool
	ignoreTerm  bool
}

func newMockProcess(out *io.PipeWriter) *mockProcess {
	return &mockProcess{out: out, waitCh: make(chan struct{})}
}

// emit writes lines to the tool's combined output.
func (p *mockProcess) emit(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if _, err := io.WriteString(p.out, l+"\n"); err != nil {
			t.Fatalf("emit %q: %v", l, err)
		}
	}
}

func (p *mockProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		_ = p.out.Close()
		close(p.waitCh)
	})
}

func (p *mockProcess) Wait() error {
	<-p.waitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.code != 0 {
		return exitErr{code: p.code}
	}
	return nil
}

func (p *mockProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupted = true
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit(143)
	}
	return nil
}

func (p *mockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *mockProcess) signals() (interrupted, killed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted, p.killed
}

// lockedBuffer is a concurrency-safe stdin sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Close() error { return nil }

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// mockSpawner hands out mockProcesses and records every request.
type mockSpawner struct {
	mu         sync.Mutex
	requests   []supervisor.SpawnRequest
	procs      map[string]*mockProcess
	stdins     map[string]*lockedBuffer
	err        error
	ignoreTerm bool
}

func newMockSpawner() *mockSpawner {
	return &mockSpawner{
		procs:  make(map[string]*mockProcess),
		stdins: make(map[string]*lockedBuffer),
	}
}

func (s *mockSpawner) Spawn(_ context.Context, req supervisor.SpawnRequest) (supervisor.Process, io.ReadCloser, io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, nil, nil, s.err
	}
	pr, pw := io.Pipe()
	p := newMockProcess(pw)
	p.ignoreTerm = s.ignoreTerm
	stdin := &lockedBuffer{}
	s.procs[req.Worker] = p
	s.stdins[req.Worker] = stdin
	return p, pr, stdin, nil
}

func (s *mockSpawner) proc(worker string) *mockProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[worker]
}

func (s *mockSpawner) stdin(worker string) *lockedBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdins[worker]
}

func (s *mockSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fixture struct {
	sup      *supervisor.Supervisor
	spawner  *mockSpawner
	ledger   *ledger.Ledger
	progress *progress.Store
	roster   *roster.Roster
	logRoot  string
}

func newFixture(t *testing.T, workers ...string) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, supervisor.Config{StopGrace: 50 * time.Millisecond, KillWait: 50 * time.Millisecond}, workers...)
}

func newFixtureWithConfig(t *testing.T, cfg supervisor.Config, workers ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	db, err := statedb.Open(ctx, filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	l := ledger.New(db, nil)
	p, err := progress.NewStore(filepath.Join(dir, "progress"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r := roster.New(db, l, p, nil)
	for _, w := range workers {
		if _, err := r.Hire(ctx, w, "dev", nil); err != nil {
			t.Fatalf("Hire %s: %v", w, err)
		}
	}

	if cfg.LogRoot == "" {
		cfg.LogRoot = filepath.Join(dir, "workers")
	}
	sp := newMockSpawner()
	sup := supervisor.New(cfg, r, l, p, sp, nil)
	r.SetSessionStopper(sup)

	f := &fixture{sup: sup, spawner: sp, ledger: l, progress: p, roster: r, logRoot: cfg.LogRoot}
	t.Cleanup(func() {
		sup.StopAll(context.Background())
		sup.Wait()
	})
	return f
}

func (f *fixture) lockedBy(t *testing.T, worker string) []string {
	t.Helper()
	held, err := f.ledger.HeldBy(context.Background(), worker)
	if err != nil {
		t.Fatalf("HeldBy: %v", err)
	}
	paths := make([]string, len(held))
	for i, h := range held {
		paths[i] = h.Path
	}
	return paths
}
