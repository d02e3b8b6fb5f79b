package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"foreman/internal/config"
	"foreman/internal/logging"
	"foreman/pkg/eventlog"
	"foreman/pkg/ledger"
	"foreman/pkg/progress"
	"foreman/pkg/protocol"
	"foreman/pkg/roster"
	"foreman/pkg/statedb"

	"github.com/mattn/go-isatty"
)

// env is what every subcommand works against: resolved paths, the parsed
// config, the state database and a logger.
type env struct {
	paths  *Paths
	cfg    config.Config
	db     *sql.DB
	logger *slog.Logger

	closeLog func() error
}

// openEnv resolves paths, loads config and opens the state database. When
// console is non-nil, log records are also written there as text. Only the
// long-running daemon rotates the log file.
func openEnv(ctx context.Context, console io.Writer, daemon bool) (*env, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureHome(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	opts := logging.Options{File: paths.LogPath, Level: cfg.Log.Level, Console: console}
	if daemon {
		opts.MaxSizeMB = cfg.Log.MaxSizeMB
	}
	logger, closeLog, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(ctx, paths.StateDBPath)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	return &env{paths: paths, cfg: cfg, db: db, logger: logger, closeLog: closeLog}, nil
}

func (e *env) Close() {
	_ = e.db.Close()
	_ = e.closeLog()
}

func (e *env) progressStore() (*progress.Store, error) {
	return progress.NewStore(filepath.Join(e.paths.Home, protocol.ProgressDir), e.logger)
}

func (e *env) ledger() *ledger.Ledger {
	return ledger.New(e.db, e.logger)
}

// roster builds a roster with no session stopper. Firing through it is only
// correct when no daemon owns live sessions.
func (e *env) roster() (*roster.Roster, error) {
	p, err := e.progressStore()
	if err != nil {
		return nil, err
	}
	return roster.New(e.db, e.ledger(), p, e.logger), nil
}

func (e *env) events() *eventlog.Writer {
	return eventlog.NewWriter(e.db, "cli", e.logger)
}

func (e *env) daemonRunning() bool {
	status, _, err := DaemonStatus(e.paths.PIDPath)
	return err == nil && status == StatusRunning
}

// withEnv opens the environment for a single command invocation.
func withEnv(ctx context.Context, fn func(*env) error) error {
	e, err := openEnv(ctx, nil, false)
	if err != nil {
		return fmt.Errorf("open foreman state: %w", err)
	}
	defer e.Close()
	return fn(e)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
