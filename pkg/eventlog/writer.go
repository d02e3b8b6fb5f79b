package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"foreman/pkg/bridge"
	"foreman/pkg/health"
	"foreman/pkg/protocol"
)

// Writer appends rows to the event log.
type Writer struct {
	db     *sql.DB
	source string
	logger *slog.Logger

	mu sync.Mutex
	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewWriter returns a Writer that stamps rows with source.
func NewWriter(db *sql.DB, source string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{db: db, source: source, logger: logger.With("component", "eventlog"), nowFunc: time.Now}
}

// SetNowFunc overrides the clock used for created_at.
//
//foreman:testonly
func (w *Writer) SetNowFunc(fn func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nowFunc = fn
}

// Append writes one event. payload is JSON-encoded unless it is a string or
// nil. It returns the new row id.
func (w *Writer) Append(ctx context.Context, typ protocol.EventType, worker string, payload any) (int64, error) {
	var body string
	switch p := payload.(type) {
	case nil:
	case string:
		body = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		body = string(b)
	}

	w.mu.Lock()
	now := w.nowFunc().UTC().Format(timeLayout)
	w.mu.Unlock()

	res, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, worker, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(typ), w.source, worker, body, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s event: %w", typ, err)
	}
	return res.LastInsertId()
}

// Record is Append for callers that cannot act on a failure; errors are
// logged.
func (w *Writer) Record(ctx context.Context, typ protocol.EventType, worker string, payload any) {
	if _, err := w.Append(ctx, typ, worker, payload); err != nil {
		w.logger.Warn("record event", "type", typ, "worker", worker, "error", err)
	}
}

// Notifier adapts a Writer to bridge.Notifier so completions and help
// requests reach the conversational layer through the event log.
type Notifier struct {
	w *Writer
}

var _ bridge.Notifier = Notifier{}

// NewNotifier returns a Notifier writing through w.
func NewNotifier(w *Writer) Notifier {
	return Notifier{w: w}
}

// NotifyCompletion implements bridge.Notifier.
func (n Notifier) NotifyCompletion(ctx context.Context, c bridge.Completion) {
	n.w.Record(ctx, protocol.EventTaskCompleted, c.Worker, c)
}

// NotifyHelpNeeded implements bridge.Notifier.
func (n Notifier) NotifyHelpNeeded(ctx context.Context, h bridge.HelpRequest) {
	n.w.Record(ctx, protocol.EventHelpNeeded, h.Worker, h)
}

// Escalate is a health.EscalationFunc that records the failed recovery for
// operator attention.
func (n Notifier) Escalate(ctx context.Context, worker string, rec health.Record) {
	n.w.Record(ctx, protocol.EventEscalation, worker, rec)
}
