package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/statedb"
	"foreman/pkg/supervisor"
)

// waitFor polls condition every tick until it returns true or timeout expires.
// This replaces time.Sleep in tests to provide proper synchronization.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

type exitErr struct{ code int }

func (e exitErr) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitErr) ExitCode() int { return e.code }

// fakeProc writes a script to its output and exits with a fixed code, or
// runs until it is signalled.
type fakeProc struct {
	out  *io.PipeWriter
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	code int
}

func (p *fakeProc) finish(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		_ = p.out.Close()
		close(p.done)
	})
}

func (p *fakeProc) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.code != 0 {
		return exitErr{code: p.code}
	}
	return nil
}

func (p *fakeProc) Interrupt() error { p.finish(143); return nil }
func (p *fakeProc) Kill() error      { p.finish(137); return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// script is what a fake tool does for one worker.
type script struct {
	lines []string
	exit  *int // nil runs until signalled
}

func exitWith(code int) *int { return &code }

type fakeSpawner struct {
	mu      sync.Mutex
	scripts map[string]script
	spawned map[string]int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{scripts: make(map[string]script), spawned: make(map[string]int)}
}

func (s *fakeSpawner) set(worker string, sc script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[worker] = sc
}

func (s *fakeSpawner) count(worker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[worker]
}

func (s *fakeSpawner) Spawn(_ context.Context, req supervisor.SpawnRequest) (supervisor.Process, io.ReadCloser, io.WriteCloser, error) {
	s.mu.Lock()
	sc := s.scripts[req.Worker]
	s.spawned[req.Worker]++
	s.mu.Unlock()

	pr, pw := io.Pipe()
	p := &fakeProc{out: pw, done: make(chan struct{})}
	go func() {
		for _, l := range sc.lines {
			if _, err := io.WriteString(pw, l+"\n"); err != nil {
				return
			}
		}
		if sc.exit != nil {
			p.finish(*sc.exit)
		}
	}()
	return p, pr, nopWriteCloser{io.Discard}, nil
}

type fixture struct {
	d       *Dispatcher
	spawner *fakeSpawner
	events  *eventlog.Reader
	home    string
}

func newFixture(t *testing.T, workers ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	home := t.TempDir()
	db, err := statedb.Open(ctx, filepath.Join(home, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}

	sp := newFakeSpawner()
	d, err := New(Config{
		Home:        home,
		Supervisor:  supervisor.Config{StopGrace: 50 * time.Millisecond, KillWait: 50 * time.Millisecond},
		Inferer:     supervisor.PathInfererFunc(func(string) []string { return []string{"src/auth.py"} }),
		CommandPoll: 20 * time.Millisecond,
	}, db, sp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		d.Supervisor().StopAll(context.Background())
		d.Supervisor().Wait()
		_ = db.Close()
	})

	for _, w := range workers {
		if _, err := d.Roster().Hire(ctx, w, "developer", nil); err != nil {
			t.Fatalf("hire %s: %v", w, err)
		}
	}
	return &fixture{d: d, spawner: sp, events: eventlog.ReaderFromDB(db), home: home}
}

// eventTypes returns the event types recorded for worker, oldest first.
func (f *fixture) eventTypes(t *testing.T, worker string) []string {
	t.Helper()
	evs, err := f.events.Query(context.Background(), eventlog.QueryOpts{Worker: worker})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	out := make([]string, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		out = append(out, evs[i].Type)
	}
	return out
}

func (f *fixture) hasEvent(t *testing.T, worker, typ string) bool {
	t.Helper()
	for _, e := range f.eventTypes(t, worker) {
		if e == typ {
			return true
		}
	}
	return false
}
