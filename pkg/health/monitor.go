// Package health samples every worker's status and progress on an interval,
// detects anomalies over a short rolling history, and hands them to the
// Recovery manager.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"foreman/pkg/progress"
)

// Kind names an anomaly.
type Kind string

// Anomaly kinds.
const (
	// KindStuckState: the last few snapshots are identical over a long span
	// while a task is active.
	KindStuckState Kind = "STUCK_STATE"
	// KindProgressStagnant: an active task's aggregate percent has not moved
	// over a long span.
	KindProgressStagnant Kind = "PROGRESS_STAGNANT"
	// KindWorkerStuck: the status source reports the worker as stuck.
	KindWorkerStuck Kind = "WORKER_STUCK"
)

// Status is a worker's externally observable status.
type Status struct {
	State     string `json:"state"`
	Task      string `json:"task,omitempty"`
	Stuck     bool   `json:"stuck"`
	HelpCount int    `json:"help_count"`
}

// ProgressSnapshot is the part of a progress record the monitor compares.
// Timestamps are left out so an untouched record compares equal.
type ProgressSnapshot struct {
	Active      bool                                 `json:"active"`
	Percent     int                                  `json:"percent"`
	Resources   map[string]progress.ResourceProgress `json:"resources,omitempty"`
	CurrentWork string                               `json:"current_work,omitempty"`
}

// Snapshot is one sample of a worker.
type Snapshot struct {
	Time     time.Time        `json:"time"`
	Status   Status           `json:"status"`
	Progress ProgressSnapshot `json:"progress"`

	fingerprint []byte
}

// StatusSource reports a worker's status.
type StatusSource interface {
	WorkerStatus(worker string) Status
}

// WorkerLister names the workers to sample.
type WorkerLister interface {
	Names(ctx context.Context) ([]string, error)
}

// ProgressSource reads a worker's active progress record.
type ProgressSource interface {
	Get(worker string) (*progress.Record, bool)
}

// Callback receives every non-empty anomaly set.
type Callback func(ctx context.Context, worker string, kinds []Kind, snap Snapshot)

// MonitorConfig controls sampling and the anomaly windows. Zero values are
// replaced by defaults.
type MonitorConfig struct {
	Interval       time.Duration // Sampling interval (default 30s).
	HistorySize    int           // Snapshots kept per worker (default 10).
	StuckSamples   int           // Identical snapshots for STUCK_STATE (default 3).
	StuckSpan      time.Duration // Minimum span for STUCK_STATE (default 2m).
	StagnantSample int           // Unchanged percents for PROGRESS_STAGNANT (default 4).
	StagnantSpan   time.Duration // Minimum span for PROGRESS_STAGNANT (default 5m).
}

func (c *MonitorConfig) withDefaults() MonitorConfig {
	out := *c
	if out.Interval == 0 {
		out.Interval = 30 * time.Second
	}
	if out.HistorySize == 0 {
		out.HistorySize = 10
	}
	if out.StuckSamples == 0 {
		out.StuckSamples = 3
	}
	if out.StuckSpan == 0 {
		out.StuckSpan = 2 * time.Minute
	}
	if out.StagnantSample == 0 {
		out.StagnantSample = 4
	}
	if out.StagnantSpan == 0 {
		out.StagnantSpan = 5 * time.Minute
	}
	return out
}

// history is one worker's bounded snapshot buffer. Append, trim, and
// evaluation all happen under mu.
type history struct {
	mu    sync.Mutex
	snaps []Snapshot
}

// Monitor samples workers and detects anomalies.
type Monitor struct {
	cfg      MonitorConfig
	workers  WorkerLister
	status   StatusSource
	progress ProgressSource
	logger   *slog.Logger

	mu        sync.Mutex
	histories map[string]*history
	callback  Callback

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig, workers WorkerLister, status StatusSource, p ProgressSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		workers:   workers,
		status:    status,
		progress:  p,
		logger:    logger.With("component", "health"),
		histories: make(map[string]*history),
		nowFunc:   time.Now,
	}
}

// SetCallback registers the anomaly callback.
func (m *Monitor) SetCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

// SetNowFunc overrides the clock used to stamp snapshots.
//
//foreman:testonly
func (m *Monitor) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = fn
}

func (m *Monitor) historyFor(worker string) *history {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[worker]
	if !ok {
		h = &history{}
		m.histories[worker] = h
	}
	return h
}

// snapshot samples one worker.
func (m *Monitor) snapshot(worker string) Snapshot {
	m.mu.Lock()
	now := m.nowFunc()
	m.mu.Unlock()

	snap := Snapshot{Time: now, Status: m.status.WorkerStatus(worker)}
	if r, ok := m.progress.Get(worker); ok {
		snap.Progress = ProgressSnapshot{
			Active:      true,
			Percent:     r.Percent(),
			Resources:   r.Resources,
			CurrentWork: r.CurrentWork,
		}
	}
	// encoding/json sorts map keys, so equal content gives equal bytes.
	fp, err := json.Marshal(struct {
		Status   Status           `json:"status"`
		Progress ProgressSnapshot `json:"progress"`
	}{snap.Status, snap.Progress})
	if err != nil {
		m.logger.Warn("fingerprint snapshot", "worker", worker, "error", err)
	}
	snap.fingerprint = fp
	return snap
}

// Observe appends snap to worker's history and evaluates the anomaly
// predicates. When any fire, the history is cleared so a single stale window
// is reported once. A worker whose snapshots never change therefore trips
// STUCK_STATE after three samples and never reaches PROGRESS_STAGNANT, which
// needs four.
func (m *Monitor) Observe(worker string, snap Snapshot) []Kind {
	h := m.historyFor(worker)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snaps = append(h.snaps, snap)
	if over := len(h.snaps) - m.cfg.HistorySize; over > 0 {
		h.snaps = append([]Snapshot(nil), h.snaps[over:]...)
	}

	kinds := m.evaluate(h.snaps)
	if len(kinds) > 0 {
		h.snaps = nil
	}
	return kinds
}

func (m *Monitor) evaluate(snaps []Snapshot) []Kind {
	var kinds []Kind
	last := snaps[len(snaps)-1]

	if n := m.cfg.StuckSamples; len(snaps) >= n && last.Progress.Active {
		window := snaps[len(snaps)-n:]
		same := true
		for _, s := range window[1:] {
			if !bytes.Equal(s.fingerprint, window[0].fingerprint) {
				same = false
				break
			}
		}
		if same && last.Time.Sub(window[0].Time) > m.cfg.StuckSpan {
			kinds = append(kinds, KindStuckState)
		}
	}

	if n := m.cfg.StagnantSample; len(snaps) >= n && last.Progress.Active {
		window := snaps[len(snaps)-n:]
		same := true
		for _, s := range window {
			if !s.Progress.Active || s.Progress.Percent != window[0].Progress.Percent {
				same = false
				break
			}
		}
		if same && last.Time.Sub(window[0].Time) > m.cfg.StagnantSpan {
			kinds = append(kinds, KindProgressStagnant)
		}
	}

	if last.Status.Stuck {
		kinds = append(kinds, KindWorkerStuck)
	}
	return kinds
}

// History returns a copy of worker's current snapshot history.
func (m *Monitor) History(worker string) []Snapshot {
	h := m.historyFor(worker)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.snaps...)
}

// Forget drops worker's history, e.g. after the worker is fired.
func (m *Monitor) Forget(worker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, worker)
}

// Sample takes one snapshot of every worker on the roster, evaluates it, and
// invokes the callback for each worker with anomalies. It returns the
// anomalies found, keyed by worker.
func (m *Monitor) Sample(ctx context.Context) map[string][]Kind {
	names, err := m.workers.Names(ctx)
	if err != nil {
		m.logger.Warn("list workers", "error", err)
		return nil
	}
	sort.Strings(names)

	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()

	found := make(map[string][]Kind)
	for _, w := range names {
		snap := m.snapshot(w)
		kinds := m.Observe(w, snap)
		if len(kinds) == 0 {
			continue
		}
		found[w] = kinds
		m.logger.Warn("anomaly detected", "worker", w, "kinds", kinds)
		if cb != nil {
			cb(ctx, w, kinds, snap)
		}
	}
	return found
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}
