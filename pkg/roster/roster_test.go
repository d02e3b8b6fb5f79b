package roster_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"foreman/pkg/ledger"
	"foreman/pkg/progress"
	"foreman/pkg/protocol"
	"foreman/pkg/roster"
	"foreman/pkg/statedb"
)

type fixture struct {
	roster   *roster.Roster
	ledger   *ledger.Ledger
	progress *progress.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := statedb.Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	l := ledger.New(db, nil)
	p, err := progress.NewStore(filepath.Join(dir, "progress"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return fixture{roster: roster.New(db, l, p, nil), ledger: l, progress: p}
}

// recordingStopper archives progress the way the supervisor does on Stop.
type recordingStopper struct {
	mu       sync.Mutex
	stopped  []string
	progress *progress.Store
}

func (s *recordingStopper) Stop(_ context.Context, worker string) bool {
	s.mu.Lock()
	s.stopped = append(s.stopped, worker)
	s.mu.Unlock()
	_, ok := s.progress.Complete(worker)
	return ok
}

func TestHireAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.roster.Hire(ctx, "bob", "backend", []string{"go", "sql"}); err != nil {
		t.Fatalf("Hire bob: %v", err)
	}
	if _, err := f.roster.Hire(ctx, "alice", "frontend", nil); err != nil {
		t.Fatalf("Hire alice: %v", err)
	}

	ws, err := f.roster.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ws) != 2 || ws[0].Name != "alice" || ws[1].Name != "bob" {
		t.Fatalf("List = %+v", ws)
	}
	if len(ws[1].Capabilities) != 2 || ws[1].Capabilities[0] != "go" {
		t.Errorf("bob capabilities = %v", ws[1].Capabilities)
	}
	if ws[0].Capabilities == nil {
		t.Error("nil capabilities should come back as an empty list")
	}

	w, ok, err := f.roster.Get(ctx, "bob")
	if err != nil || !ok || w.Role != "backend" {
		t.Errorf("Get bob = %+v, %v, %v", w, ok, err)
	}
	if _, ok, _ := f.roster.Get(ctx, "nobody"); ok {
		t.Error("Get nobody should report not found")
	}
}

func TestHireRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.roster.Hire(ctx, "alice", "", nil); err != nil {
		t.Fatalf("Hire: %v", err)
	}
	if _, err := f.roster.Hire(ctx, "alice", "", nil); !errors.Is(err, roster.ErrWorkerExists) {
		t.Errorf("duplicate Hire err = %v, want ErrWorkerExists", err)
	}
	if _, err := f.roster.Hire(ctx, "../etc", "", nil); !errors.Is(err, roster.ErrInvalidName) {
		t.Errorf("bad name Hire err = %v, want ErrInvalidName", err)
	}
}

func TestFireUnknown(t *testing.T) {
	f := newFixture(t)
	err := f.roster.Fire(context.Background(), "ghost")
	var nf *protocol.WorkerNotFoundError
	if !errors.As(err, &nf) || nf.Name != "ghost" {
		t.Fatalf("Fire err = %v, want WorkerNotFoundError", err)
	}
}

func TestFireCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stopper := &recordingStopper{progress: f.progress}
	f.roster.SetSessionStopper(stopper)

	for _, n := range []string{"alice", "bob"} {
		if _, err := f.roster.Hire(ctx, n, "", nil); err != nil {
			t.Fatalf("Hire %s: %v", n, err)
		}
	}
	if _, err := f.ledger.Lock(ctx, "alice", []string{"src/auth.py", "src/db.py"}, "task"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := f.ledger.Lock(ctx, "bob", []string{"config.json"}, "task"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	res, err := f.ledger.Request(ctx, "alice", "config.json", "need it")
	if err != nil || !res.Outcome.Sent() {
		t.Fatalf("Request = %+v, %v", res, err)
	}
	f.progress.Create("alice", "implement auth", []string{"src/auth.py", "src/db.py"})
	f.progress.UpdateResource("alice", "src/auth.py", 50, "in progress")

	if err := f.roster.Fire(ctx, "alice"); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	if len(stopper.stopped) != 1 || stopper.stopped[0] != "alice" {
		t.Errorf("stopper calls = %v", stopper.stopped)
	}
	held, _ := f.ledger.HeldBy(ctx, "alice")
	if len(held) != 0 {
		t.Errorf("alice still holds %v", held)
	}
	if owner, _, _ := f.ledger.OwnerOf(ctx, "config.json"); owner != "bob" {
		t.Errorf("bob's lock should survive, owner = %q", owner)
	}
	req, _, _ := f.ledger.GetRequest(ctx, res.ID)
	if req.Status != protocol.RequestDenied {
		t.Errorf("alice's pending request status = %s, want denied", req.Status)
	}
	if _, ok := f.progress.Get("alice"); ok {
		t.Error("active progress should be gone")
	}
	last, ok := f.progress.LastCompleted("alice")
	if !ok || last.Resources["src/auth.py"].Percent != 50 {
		t.Errorf("pre-fire state should be archived exactly once, got %+v", last)
	}
	if h := f.progress.History("alice"); len(h) != 1 {
		t.Errorf("History = %v, want 1 entry", h)
	}
	if ok, _ := f.roster.Exists(ctx, "alice"); ok {
		t.Error("alice should be off the roster")
	}
	if ok, _ := f.roster.Exists(ctx, "bob"); !ok {
		t.Error("bob should still be hired")
	}
}
