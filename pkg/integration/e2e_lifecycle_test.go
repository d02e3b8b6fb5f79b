// Package integration_test runs foreman end to end against real tool
// subprocesses.
package integration_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/pkg/dispatcher"
	"foreman/pkg/ledger"
	"foreman/pkg/statedb"
	"foreman/pkg/supervisor"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

// newShellDispatcher wires a dispatcher whose tool is `/bin/sh -c script`.
func newShellDispatcher(t *testing.T, script string) *dispatcher.Dispatcher {
	t.Helper()
	home := t.TempDir()
	db, err := statedb.Open(context.Background(), filepath.Join(home, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	d, err := dispatcher.New(dispatcher.Config{
		Home:       home,
		Supervisor: supervisor.Config{StopGrace: 500 * time.Millisecond},
		Inferer:    supervisor.NewHeuristicInferer(home),
	}, db, &supervisor.ToolSpawner{Command: "/bin/sh", Args: []string{"-c", script, "foreman"}}, nil)
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}
	t.Cleanup(func() {
		d.Supervisor().StopAll(context.Background())
		d.Supervisor().Wait()
		_ = db.Close()
	})
	return d
}

func TestLifecycle_CompletedTaskReleasesAndArchives(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	d := newShellDispatcher(t, "sleep 0.3; echo 'editing src/auth.py'; echo 'Task completed'")
	if _, err := d.Roster().Hire(ctx, "alice", "developer", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Bridge().Assign(ctx, "alice", "implement auth"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if owner, ok, _ := d.Ledger().OwnerOf(ctx, "src/auth.py"); !ok || owner != "alice" {
		t.Fatalf("owner of src/auth.py = %q %v", owner, ok)
	}
	if _, err := d.Bridge().Assign(ctx, "alice", "another task"); !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Fatalf("second Assign: err = %v, want ErrAlreadyRunning", err)
	}

	d.Supervisor().Wait()

	if _, live := d.Supervisor().ActiveSessions()["alice"]; live {
		t.Error("alice still listed as active")
	}
	locks, err := d.Ledger().ListLocked(ctx)
	if err != nil || len(locks) != 0 {
		t.Errorf("locks after completion = %v %v", locks, err)
	}
	rec, ok := d.Progress().LastCompleted("alice")
	if !ok {
		t.Fatal("no archived record")
	}
	if got := rec.Resources["src/auth.py"].Percent; got != 100 {
		t.Errorf("archived src/auth.py percent = %d, want 100", got)
	}
	if res, _ := d.Supervisor().LastResult("alice"); !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestLifecycle_StopTerminatesProcessGroup(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	d := newShellDispatcher(t, "sleep 30 & wait")
	if _, err := d.Roster().Hire(ctx, "bob", "developer", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Bridge().Assign(ctx, "bob", "update the config"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	start := time.Now()
	if !d.Supervisor().Stop(ctx, "bob") {
		t.Fatal("Stop returned false for a live session")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if d.Supervisor().Stop(ctx, "bob") {
		t.Error("second Stop should report nothing to stop")
	}
	if held, _ := d.Ledger().HeldBy(ctx, "bob"); len(held) != 0 {
		t.Errorf("bob still holds %v", held)
	}
	if got := d.Supervisor().Status("bob"); got != supervisor.StateIdle {
		t.Errorf("state after stop = %s, want idle", got)
	}
}

func TestLifecycle_HandoverBetweenSessions(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	d := newShellDispatcher(t, "sleep 30 & wait")
	for _, w := range []string{"bob", "carol"} {
		if _, err := d.Roster().Hire(ctx, w, "developer", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := d.Bridge().Assign(ctx, "bob", "update the config"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	res, err := d.Ledger().Request(ctx, "carol", "config.json", "needs edit")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != ledger.RequestSentTo("bob") {
		t.Fatalf("request outcome = %s", res.Outcome)
	}
	if ok, err := d.Ledger().Approve(ctx, res.ID); err != nil || !ok {
		t.Fatalf("Approve = %v %v", ok, err)
	}
	if owner, _, _ := d.Ledger().OwnerOf(ctx, "config.json"); owner != "carol" {
		t.Fatalf("owner after approve = %q", owner)
	}

	// Bob's session ending must not take carol's lock with it.
	d.Supervisor().Stop(ctx, "bob")
	if owner, _, _ := d.Ledger().OwnerOf(ctx, "config.json"); owner != "carol" {
		t.Errorf("owner after bob stopped = %q", owner)
	}
}
