package protocol

// SchemaDDL defines the SQLite schema for the foreman state database.
// Tables: workers, resource_locks, resource_requests, assignments, commands, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Fleet roster
CREATE TABLE IF NOT EXISTS workers (
    name TEXT PRIMARY KEY,
    role TEXT NOT NULL DEFAULT '',
    capabilities TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Resource ownership ledger: at most one locked row per path
CREATE TABLE IF NOT EXISTS resource_locks (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL,
    owner TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'locked',
    acquired_at TEXT NOT NULL DEFAULT (datetime('now')),
    released_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS resource_locks_one_owner
    ON resource_locks(path) WHERE status = 'locked';
CREATE INDEX IF NOT EXISTS resource_locks_owner ON resource_locks(owner, status);
CREATE INDEX IF NOT EXISTS resource_locks_status ON resource_locks(status);

-- Ownership transfer requests between workers
CREATE TABLE IF NOT EXISTS resource_requests (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL,
    requester TEXT NOT NULL,
    owner TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    resolved_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS resource_requests_one_pending
    ON resource_requests(path, requester, owner) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS resource_requests_path ON resource_requests(path);
CREATE INDEX IF NOT EXISTS resource_requests_owner ON resource_requests(owner, status);

-- Worker-to-task assignment tracking
CREATE TABLE IF NOT EXISTS assignments (
    id INTEGER PRIMARY KEY,
    worker TEXT NOT NULL,
    session_id TEXT NOT NULL,
    task TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    reason TEXT NOT NULL DEFAULT '',
    assigned_at TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS assignments_worker ON assignments(worker, status);

-- Directives to the daemon (assign, help, stop, hire, fire)
CREATE TABLE IF NOT EXISTS commands (
    id INTEGER PRIMARY KEY,
    directive TEXT NOT NULL,
    worker TEXT NOT NULL DEFAULT '',
    args TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    result TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    processed_at TEXT
);

CREATE INDEX IF NOT EXISTS commands_status ON commands(status);

-- Runtime event log: notifications, escalations, lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    worker TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_worker ON events(worker);
CREATE INDEX IF NOT EXISTS events_type ON events(type);
`
