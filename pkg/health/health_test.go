package health_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"foreman/pkg/health"
	"foreman/pkg/progress"
)

type fakeWorld struct {
	mu       sync.Mutex
	names    []string
	statuses map[string]health.Status
	records  map[string]*progress.Record
}

func newFakeWorld(names ...string) *fakeWorld {
	return &fakeWorld{
		names:    names,
		statuses: make(map[string]health.Status),
		records:  make(map[string]*progress.Record),
	}
}

func (f *fakeWorld) Names(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...), nil
}

func (f *fakeWorld) WorkerStatus(w string) health.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[w]; ok {
		return st
	}
	return health.Status{State: "idle"}
}

func (f *fakeWorld) Get(w string) (*progress.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[w]
	if !ok {
		return nil, false
	}
	c := *r
	c.Resources = maps.Clone(r.Resources)
	return &c, true
}

func (f *fakeWorld) set(w string, st health.Status, r *progress.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[w] = st
	if r == nil {
		delete(f.records, w)
	} else {
		f.records[w] = r
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func record(worker string, percent int, work string) *progress.Record {
	return &progress.Record{
		Worker:      worker,
		Task:        "add login",
		Resources:   map[string]progress.ResourceProgress{"src/auth.py": {Percent: percent}},
		CurrentWork: work,
	}
}

func newMonitor(w *fakeWorld) (*health.Monitor, *clock) {
	c := &clock{now: t0}
	m := health.NewMonitor(health.MonitorConfig{}, w, w, w, nil)
	m.SetNowFunc(c.Now)
	return m, c
}

func TestStuckStateBoundary(t *testing.T) {
	tests := []struct {
		name    string
		offsets []time.Duration
		want    bool
	}{
		{"span exactly two minutes", []time.Duration{0, 60 * time.Second, 120 * time.Second}, false},
		{"span just over two minutes", []time.Duration{0, 61 * time.Second, 121 * time.Second}, true},
		{"only two samples", []time.Duration{0, 5 * time.Minute}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWorld("alice")
			w.set("alice", health.Status{State: "running", Task: "add login"}, record("alice", 50, "editing"))
			m, c := newMonitor(w)

			var got map[string][]health.Kind
			for _, off := range tt.offsets {
				c.Set(t0.Add(off))
				got = m.Sample(context.Background())
			}
			kinds := got["alice"]
			fired := len(kinds) > 0 && kinds[0] == health.KindStuckState
			if fired != tt.want {
				t.Fatalf("STUCK_STATE fired = %v, want %v (kinds %v)", fired, tt.want, kinds)
			}
		})
	}
}

func TestStuckStateRequiresActiveTask(t *testing.T) {
	w := newFakeWorld("alice")
	w.set("alice", health.Status{State: "idle"}, nil)
	m, c := newMonitor(w)

	for i := range 5 {
		c.Set(t0.Add(time.Duration(i) * time.Minute))
		if got := m.Sample(context.Background()); len(got) != 0 {
			t.Fatalf("sample %d: idle worker flagged: %v", i, got)
		}
	}
	if n := len(m.History("alice")); n != 5 {
		t.Fatalf("history = %d, want 5", n)
	}
}

func TestStuckStateResetByChange(t *testing.T) {
	w := newFakeWorld("alice")
	m, c := newMonitor(w)

	w.set("alice", health.Status{State: "running"}, record("alice", 50, "a"))
	c.Set(t0)
	m.Sample(context.Background())
	c.Set(t0.Add(2 * time.Minute))
	m.Sample(context.Background())

	w.set("alice", health.Status{State: "running"}, record("alice", 50, "b"))
	c.Set(t0.Add(4 * time.Minute))
	if got := m.Sample(context.Background()); len(got) != 0 {
		t.Fatalf("changed snapshot flagged: %v", got)
	}
}

func TestHistoryBoundedAndResetAfterAnomaly(t *testing.T) {
	w := newFakeWorld("alice")
	m, c := newMonitor(w)

	// Changing progress every sample keeps every predicate quiet.
	for i := range 15 {
		w.set("alice", health.Status{State: "running"}, record("alice", i, fmt.Sprint(i)))
		c.Set(t0.Add(time.Duration(i) * time.Second))
		m.Sample(context.Background())
	}
	if n := len(m.History("alice")); n != 10 {
		t.Fatalf("history = %d, want 10", n)
	}

	w.set("alice", health.Status{State: "running", Stuck: true}, record("alice", 99, "x"))
	got := m.Sample(context.Background())
	if len(got["alice"]) != 1 || got["alice"][0] != health.KindWorkerStuck {
		t.Fatalf("kinds = %v, want [WORKER_STUCK]", got["alice"])
	}
	if n := len(m.History("alice")); n != 0 {
		t.Fatalf("history after anomaly = %d, want 0", n)
	}
}

type fakeRecoverer struct {
	mu         sync.Mutex
	restarts   []string
	continues  []string
	restartOK  bool
	restartErr error
	continueOK bool
}

func (f *fakeRecoverer) Restart(_ context.Context, w string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, w)
	return f.restartOK, f.restartErr
}

func (f *fakeRecoverer) Continue(_ context.Context, w string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continues = append(f.continues, w)
	return f.continueOK
}

// Stagnant percent with changing current work text triggers a continue
// nudge, not a restart.
func TestStagnantProgressTriggersContinue(t *testing.T) {
	w := newFakeWorld("alice")
	m, c := newMonitor(w)
	rec := &fakeRecoverer{continueOK: true}
	r := health.NewRecovery(rec, nil)
	r.SetNowFunc(c.Now)
	m.SetCallback(r.Handle)

	var got map[string][]health.Kind
	for i := range 4 {
		w.set("alice", health.Status{State: "running", Task: "add login"}, record("alice", 40, fmt.Sprintf("step %d", i)))
		c.Set(t0.Add(time.Duration(i) * 2 * time.Minute))
		got = m.Sample(context.Background())
	}

	kinds := got["alice"]
	if len(kinds) != 1 || kinds[0] != health.KindProgressStagnant {
		t.Fatalf("kinds = %v, want [PROGRESS_STAGNANT]", kinds)
	}
	if len(rec.continues) != 1 || len(rec.restarts) != 0 {
		t.Fatalf("continues = %v, restarts = %v", rec.continues, rec.restarts)
	}
	recs := r.Records("alice")
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Action != health.ActionContinue || !recs[0].Success || recs[0].Escalated {
		t.Fatalf("record = %+v", recs[0])
	}
	if !recs[0].Time.Equal(t0.Add(6 * time.Minute)) {
		t.Fatalf("record time = %v", recs[0].Time)
	}
}

func TestStagnantBoundary(t *testing.T) {
	w := newFakeWorld("alice")
	m, c := newMonitor(w)

	// Four samples spanning exactly five minutes do not qualify.
	offsets := []time.Duration{0, 100 * time.Second, 200 * time.Second, 300 * time.Second}
	var got map[string][]health.Kind
	for i, off := range offsets {
		w.set("alice", health.Status{State: "running"}, record("alice", 40, fmt.Sprint(i)))
		c.Set(t0.Add(off))
		got = m.Sample(context.Background())
	}
	if len(got) != 0 {
		t.Fatalf("flagged at exactly the span: %v", got)
	}
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		kinds []health.Kind
		want  health.Action
	}{
		{[]health.Kind{health.KindStuckState}, health.ActionRestart},
		{[]health.Kind{health.KindWorkerStuck}, health.ActionRestart},
		{[]health.Kind{health.KindProgressStagnant}, health.ActionContinue},
		{[]health.Kind{health.KindStuckState, health.KindProgressStagnant}, health.ActionRestart},
		{nil, health.ActionNone},
	}
	for _, tt := range tests {
		if got := health.ActionFor(tt.kinds); got != tt.want {
			t.Errorf("ActionFor(%v) = %s, want %s", tt.kinds, got, tt.want)
		}
	}
}

func TestRecoveryRestartOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		ok        bool
		err       error
		success   bool
		escalated bool
	}{
		{"restarted", true, nil, true, false},
		{"no active task", false, nil, true, false},
		{"restart error", false, errors.New("spawn failed"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecoverer{restartOK: tt.ok, restartErr: tt.err}
			r := health.NewRecovery(rec, nil)
			var escalated []health.Record
			r.SetEscalation(func(_ context.Context, _ string, rr health.Record) {
				escalated = append(escalated, rr)
			})

			got := r.Recover(context.Background(), "alice", []health.Kind{health.KindStuckState})
			if got.Action != health.ActionRestart {
				t.Fatalf("action = %s", got.Action)
			}
			if got.Success != tt.success || got.Escalated != tt.escalated {
				t.Fatalf("record = %+v", got)
			}
			if (len(escalated) == 1) != tt.escalated {
				t.Fatalf("escalations = %d", len(escalated))
			}
		})
	}
}

func TestRecoveryRecordsBoundedAndSummarized(t *testing.T) {
	rec := &fakeRecoverer{restartOK: true, continueOK: false}
	r := health.NewRecovery(rec, nil)
	r.SetEscalation(func(context.Context, string, health.Record) {})

	for range 4 {
		r.Recover(context.Background(), "alice", []health.Kind{health.KindWorkerStuck})
	}
	for range 3 {
		r.Recover(context.Background(), "alice", []health.Kind{health.KindProgressStagnant})
	}

	recs := r.Records("alice")
	if len(recs) != 5 {
		t.Fatalf("records = %d, want 5", len(recs))
	}
	if recs[4].Action != health.ActionContinue || recs[0].Action != health.ActionRestart {
		t.Fatalf("records kept out of order: first %s last %s", recs[0].Action, recs[4].Action)
	}

	s := r.Summary()
	if s.Total != 7 || s.Succeeded != 4 || s.Failed != 3 || s.Escalations != 3 {
		t.Fatalf("summary = %+v", s)
	}
	if s.ByAction[health.ActionRestart] != 4 || s.ByAction[health.ActionContinue] != 3 {
		t.Fatalf("by action = %v", s.ByAction)
	}
}

func TestUnchangedWorkerIsStuckNotStagnant(t *testing.T) {
	w := newFakeWorld("alice")
	m, c := newMonitor(w)
	w.set("alice", health.Status{State: "running"}, record("alice", 40, "same"))

	var stuck int
	for i := range 12 {
		c.Set(t0.Add(time.Duration(i) * 90 * time.Second))
		kinds := m.Sample(context.Background())["alice"]
		for _, k := range kinds {
			if k == health.KindProgressStagnant {
				t.Fatalf("sample %d: PROGRESS_STAGNANT fired for identical snapshots", i)
			}
		}
		if len(kinds) > 0 {
			stuck++
		}
	}
	if stuck != 4 {
		t.Fatalf("STUCK_STATE dispatches = %d, want 4", stuck)
	}
}
