package health

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Action is what the Recovery manager did about an anomaly.
type Action string

// Recovery actions.
const (
	ActionRestart  Action = "restart"
	ActionContinue Action = "continue"
	ActionNone     Action = "none"
)

// Recoverer performs recovery actions. The bridge implements it.
type Recoverer interface {
	// Restart stops the worker's session and starts it again with the same
	// task. It returns false with a nil error when there is no active task.
	Restart(ctx context.Context, worker string) (bool, error)
	// Continue nudges the worker to keep going.
	Continue(ctx context.Context, worker string) bool
}

// Record is one recovery attempt.
type Record struct {
	Time      time.Time `json:"time"`
	Worker    string    `json:"worker"`
	Kinds     []Kind    `json:"kinds"`
	Action    Action    `json:"action"`
	Success   bool      `json:"success"`
	Escalated bool      `json:"escalated"`
	Notes     string    `json:"notes,omitempty"`
}

// EscalationFunc is called when a recovery attempt fails.
type EscalationFunc func(ctx context.Context, worker string, rec Record)

// Summary aggregates every recovery attempt since startup.
type Summary struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Escalations int            `json:"escalations"`
	ByAction    map[Action]int `json:"by_action"`
}

// maxRecordsPerWorker bounds the per-worker recovery log.
const maxRecordsPerWorker = 5

// Recovery maps anomalies to actions, records outcomes, and escalates
// failures.
type Recovery struct {
	recoverer Recoverer
	logger    *slog.Logger

	mu       sync.Mutex
	records  map[string][]Record
	summary  Summary
	escalate EscalationFunc

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewRecovery creates a Recovery manager.
func NewRecovery(r Recoverer, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recovery{
		recoverer: r,
		logger:    logger.With("component", "recovery"),
		records:   make(map[string][]Record),
		summary:   Summary{ByAction: make(map[Action]int)},
		nowFunc:   time.Now,
	}
}

// SetEscalation registers the operator escalation callback.
func (r *Recovery) SetEscalation(fn EscalationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalate = fn
}

// SetNowFunc overrides the clock used to stamp records.
//
//foreman:testonly
func (r *Recovery) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFunc = fn
}

// ActionFor maps an anomaly set to an action. Restart covers stagnant
// progress as well, so it wins when both are present.
func ActionFor(kinds []Kind) Action {
	if slices.Contains(kinds, KindStuckState) || slices.Contains(kinds, KindWorkerStuck) {
		return ActionRestart
	}
	if slices.Contains(kinds, KindProgressStagnant) {
		return ActionContinue
	}
	return ActionNone
}

// Handle is a Monitor Callback: it runs the action for kinds, records the
// attempt, and escalates on failure.
func (r *Recovery) Handle(ctx context.Context, worker string, kinds []Kind, _ Snapshot) {
	r.Recover(ctx, worker, kinds)
}

// Recover runs the action for kinds and returns the recorded attempt.
func (r *Recovery) Recover(ctx context.Context, worker string, kinds []Kind) Record {
	rec := Record{Worker: worker, Kinds: append([]Kind(nil), kinds...), Action: ActionFor(kinds)}

	switch rec.Action {
	case ActionRestart:
		restarted, err := r.recoverer.Restart(ctx, worker)
		switch {
		case err != nil:
			rec.Notes = "restart failed: " + err.Error()
		case !restarted:
			rec.Success = true
			rec.Notes = "no active task"
		default:
			rec.Success = true
			rec.Notes = "session restarted with the same task"
		}
	case ActionContinue:
		if r.recoverer.Continue(ctx, worker) {
			rec.Success = true
			rec.Notes = "continue nudge sent"
		} else {
			rec.Notes = "continue nudge not delivered: no tracked task"
		}
	default:
		rec.Success = true
		rec.Notes = "no action for anomaly set"
	}

	r.mu.Lock()
	rec.Time = r.nowFunc()
	escalate := r.escalate
	r.mu.Unlock()

	if !rec.Success && escalate != nil {
		rec.Escalated = true
		rec.Notes += "; escalated to operator"
	}

	r.mu.Lock()
	recs := append(r.records[worker], rec)
	if over := len(recs) - maxRecordsPerWorker; over > 0 {
		recs = append([]Record(nil), recs[over:]...)
	}
	r.records[worker] = recs
	r.summary.Total++
	r.summary.ByAction[rec.Action]++
	if rec.Success {
		r.summary.Succeeded++
	} else {
		r.summary.Failed++
	}
	if rec.Escalated {
		r.summary.Escalations++
	}
	r.mu.Unlock()

	if rec.Success {
		r.logger.Info("recovery", "worker", worker, "kinds", kinds, "action", rec.Action, "notes", rec.Notes)
	} else {
		r.logger.Warn("recovery failed", "worker", worker, "kinds", kinds, "action", rec.Action, "notes", rec.Notes)
	}
	if rec.Escalated {
		escalate(ctx, worker, rec)
	}
	return rec
}

// Records returns worker's retained recovery records, oldest first.
func (r *Recovery) Records(worker string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records[worker]...)
}

// Summary returns the aggregate counts.
func (r *Recovery) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.summary
	out.ByAction = make(map[Action]int, len(r.summary.ByAction))
	for k, v := range r.summary.ByAction {
		out.ByAction[k] = v
	}
	return out
}
