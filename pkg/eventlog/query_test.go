package eventlog_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"foreman/pkg/bridge"
	"foreman/pkg/eventlog"
	"foreman/pkg/health"
	"foreman/pkg/protocol"
	"foreman/pkg/statedb"
)

var base = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// setupTestDB opens a state database and writes a few events one second
// apart.
func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := statedb.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	w := eventlog.NewWriter(db, "test", nil)
	events := []struct {
		typ    protocol.EventType
		worker string
	}{
		{protocol.EventWorkerHired, "alice"},
		{protocol.EventTaskAssigned, "alice"},
		{protocol.EventWorkerHired, "bob"},
		{protocol.EventHelpNeeded, "alice"},
		{protocol.EventTaskCompleted, "alice"},
	}
	for i, e := range events {
		at := base.Add(time.Duration(i) * time.Second)
		w.SetNowFunc(func() time.Time { return at })
		if _, err := w.Append(context.Background(), e.typ, e.worker, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return db, dbPath
}

func TestNewReader_MissingDB(t *testing.T) {
	_, err := eventlog.NewReader(filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestQuery_Filters(t *testing.T) {
	_, dbPath := setupTestDB(t)
	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer func() { _ = r.Close() }()

	after := base.Add(3 * time.Second)
	before := base.Add(1 * time.Second)

	tests := []struct {
		name  string
		opts  eventlog.QueryOpts
		want  int
		first protocol.EventType
	}{
		{"all newest first", eventlog.QueryOpts{}, 5, protocol.EventTaskCompleted},
		{"by worker", eventlog.QueryOpts{Worker: "bob"}, 1, protocol.EventWorkerHired},
		{"by type", eventlog.QueryOpts{Type: string(protocol.EventWorkerHired)}, 2, protocol.EventWorkerHired},
		{"after", eventlog.QueryOpts{After: &after}, 2, protocol.EventTaskCompleted},
		{"before", eventlog.QueryOpts{Before: &before}, 2, protocol.EventTaskAssigned},
		{"since id", eventlog.QueryOpts{SinceID: 4}, 1, protocol.EventTaskCompleted},
		{"limit", eventlog.QueryOpts{Worker: "alice", Limit: 2}, 2, protocol.EventTaskCompleted},
		{"no match", eventlog.QueryOpts{Worker: "nobody"}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Query(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d events, want %d", len(got), tt.want)
			}
			if tt.want > 0 && got[0].Type != string(tt.first) {
				t.Fatalf("first = %s, want %s", got[0].Type, tt.first)
			}
		})
	}
}

func TestQuery_ParsesTimestamps(t *testing.T) {
	db, _ := setupTestDB(t)
	r := eventlog.ReaderFromDB(db)

	got, err := r.Query(context.Background(), eventlog.QueryOpts{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if want := base.Add(4 * time.Second); !got[0].CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v, want %v", got[0].CreatedAt, want)
	}
	if got[0].Source != "test" {
		t.Fatalf("Source = %q", got[0].Source)
	}
	// Closing a borrowed reader leaves the database usable.
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("db closed by borrowed reader: %v", err)
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	_, dbPath := setupTestDB(t)
	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNotifierWritesJSONPayloads(t *testing.T) {
	db, err := statedb.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	n := eventlog.NewNotifier(eventlog.NewWriter(db, "daemon", nil))
	ctx := context.Background()
	n.NotifyCompletion(ctx, bridge.Completion{Worker: "alice", Task: "add login", Success: true})
	n.NotifyHelpNeeded(ctx, bridge.HelpRequest{Worker: "bob", Task: "fix db", Percent: 30})
	n.Escalate(ctx, "carol", health.Record{Worker: "carol", Action: health.ActionRestart, Notes: "restart failed"})

	events, err := eventlog.ReaderFromDB(db).Query(ctx, eventlog.QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}

	byType := map[string]eventlog.Event{}
	for _, e := range events {
		byType[e.Type] = e
	}

	var c bridge.Completion
	if err := json.Unmarshal([]byte(byType[string(protocol.EventTaskCompleted)].Payload), &c); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if c.Worker != "alice" || !c.Success {
		t.Fatalf("completion = %+v", c)
	}

	var h bridge.HelpRequest
	if err := json.Unmarshal([]byte(byType[string(protocol.EventHelpNeeded)].Payload), &h); err != nil {
		t.Fatalf("decode help: %v", err)
	}
	if h.Percent != 30 || byType[string(protocol.EventHelpNeeded)].Worker != "bob" {
		t.Fatalf("help = %+v", h)
	}

	esc := byType[string(protocol.EventEscalation)]
	if esc.Worker != "carol" || esc.Source != "daemon" {
		t.Fatalf("escalation = %+v", esc)
	}
}
