// Package statedb opens the foreman SQLite state database with the
// production-safe defaults every subsystem relies on.
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Open opens a SQLite database at path, enforces WAL journal mode and a
// 5-second busy timeout, and applies protocol.SchemaDDL.
//
// The pool is capped at a single connection. Every ledger mutation runs in a
// transaction on that connection, so SQLite never sees competing writers from
// this process; other processes are arbitrated by busy_timeout and the
// partial unique indexes in the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}
