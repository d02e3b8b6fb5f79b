package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"foreman/pkg/protocol"
)

// Ledger manages the resource_locks and resource_requests tables.
//
// Thread-safe: every mutation of a path runs under that path's stripe.
type Ledger struct {
	db      *sql.DB
	stripes pathStripes
	logger  *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Ledger backed by the given SQLite database. The schema must
// already be applied (see statedb.Open).
func New(db *sql.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ledger{
		db:      db,
		logger:  logger.With("component", "ledger"),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock used for acquired_at/resolved_at stamps.
//
//foreman:testonly
func (l *Ledger) SetNowFunc(fn func() time.Time) {
	l.nowFunc = fn
}

func (l *Ledger) now() string {
	return l.nowFunc().UTC().Format(time.RFC3339)
}

// NormalizePath cleans a resource path so that "./src/a.go" and "src/a.go"
// name the same resource.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// normalizePaths cleans and de-duplicates paths, preserving first-seen order.
func normalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := NormalizePath(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// --- Locking ---

// Lock attempts to acquire every path for worker and reports a per-path
// outcome. It never blocks on contention: a path held by someone else comes
// back as LockedBy(owner). An error is returned only for storage failures;
// outcomes gathered before the failure are still returned.
func (l *Ledger) Lock(ctx context.Context, worker string, paths []string, desc string) (map[string]Outcome, error) {
	out := make(map[string]Outcome, len(paths))
	for _, p := range normalizePaths(paths) {
		o, err := l.lockOne(ctx, worker, p, desc)
		if err != nil {
			return out, err
		}
		out[p] = o
	}
	return out, nil
}

func (l *Ledger) lockOne(ctx context.Context, worker, path, desc string) (Outcome, error) {
	unlock := l.stripes.lock(path)
	defer unlock()

	owner, held, err := l.ownerOf(ctx, path)
	if err != nil {
		return "", err
	}
	if held {
		if owner == worker {
			return OutcomeAlreadyLocked, nil
		}
		return LockedBy(owner), nil
	}

	// INSERT OR IGNORE: another process may have taken the path between the
	// read above and this write; the partial unique index arbitrates.
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO resource_locks (path, owner, description, status, acquired_at)
		 VALUES (?, ?, ?, 'locked', ?)`,
		path, worker, desc, l.now())
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("lock %s rows affected: %w", path, err)
	}
	if n == 0 {
		owner, held, err := l.ownerOf(ctx, path)
		if err != nil {
			return "", err
		}
		if held && owner == worker {
			return OutcomeAlreadyLocked, nil
		}
		return LockedBy(owner), nil
	}

	l.logger.Debug("locked", "worker", worker, "path", path)
	return OutcomeLocked, nil
}

// Release relinquishes the given paths held by worker and returns the paths
// actually released. Paths the worker does not own are skipped.
func (l *Ledger) Release(ctx context.Context, worker string, paths []string) ([]string, error) {
	var released []string
	for _, p := range normalizePaths(paths) {
		ok, err := l.releaseOne(ctx, worker, p)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, p)
		}
	}
	return released, nil
}

// ReleaseAll relinquishes every path held by worker. Calling it again after
// everything is released is a no-op that returns an empty list.
func (l *Ledger) ReleaseAll(ctx context.Context, worker string) ([]string, error) {
	held, err := l.HeldBy(ctx, worker)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(held))
	for _, lk := range held {
		paths = append(paths, lk.Path)
	}
	released, err := l.Release(ctx, worker, paths)
	if err != nil {
		return released, err
	}
	if len(released) > 0 {
		l.logger.Info("released all", "worker", worker, "count", len(released))
	}
	return released, nil
}

func (l *Ledger) releaseOne(ctx context.Context, worker, path string) (bool, error) {
	unlock := l.stripes.lock(path)
	defer unlock()

	res, err := l.db.ExecContext(ctx,
		`UPDATE resource_locks SET status='released', released_at=?
		 WHERE path=? AND owner=? AND status='locked'`,
		l.now(), path, worker)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release %s rows affected: %w", path, err)
	}
	return n > 0, nil
}

// --- Queries ---

// OwnerOf returns the worker currently holding path.
func (l *Ledger) OwnerOf(ctx context.Context, path string) (string, bool, error) {
	return l.ownerOf(ctx, NormalizePath(path))
}

func (l *Ledger) ownerOf(ctx context.Context, path string) (string, bool, error) {
	var owner string
	err := l.db.QueryRowContext(ctx,
		`SELECT owner FROM resource_locks WHERE path=? AND status='locked'`, path).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("owner of %s: %w", path, err)
	}
	return owner, true, nil
}

// ListLocked returns every currently locked row ordered by path.
func (l *Ledger) ListLocked(ctx context.Context) ([]protocol.ResourceLock, error) {
	return l.queryLocks(ctx,
		`SELECT id, path, owner, description, status, acquired_at, COALESCE(released_at, '')
		 FROM resource_locks WHERE status='locked' ORDER BY path`)
}

// HeldBy returns the locks currently held by worker ordered by path.
func (l *Ledger) HeldBy(ctx context.Context, worker string) ([]protocol.ResourceLock, error) {
	return l.queryLocks(ctx,
		`SELECT id, path, owner, description, status, acquired_at, COALESCE(released_at, '')
		 FROM resource_locks WHERE owner=? AND status='locked' ORDER BY path`, worker)
}

func (l *Ledger) queryLocks(ctx context.Context, q string, args ...any) ([]protocol.ResourceLock, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []protocol.ResourceLock
	for rows.Next() {
		var lk protocol.ResourceLock
		var status string
		if err := rows.Scan(&lk.ID, &lk.Path, &lk.Owner, &lk.Description, &status, &lk.AcquiredAt, &lk.ReleasedAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		lk.Status = protocol.LockStatus(status)
		locks = append(locks, lk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return locks, nil
}

// --- Requests ---

// Request asks the current owner of path to hand it to requester.
func (l *Ledger) Request(ctx context.Context, requester, path, reason string) (RequestResult, error) {
	path = NormalizePath(path)
	unlock := l.stripes.lock(path)
	defer unlock()

	owner, held, err := l.ownerOf(ctx, path)
	if err != nil {
		return RequestResult{}, err
	}
	if !held {
		return RequestResult{Outcome: RequestFileNotLocked}, nil
	}
	if owner == requester {
		return RequestResult{Owner: owner, Outcome: RequestAlreadyOwner}, nil
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO resource_requests (path, requester, owner, reason, status, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?)`,
		path, requester, owner, reason, l.now())
	if err != nil {
		return RequestResult{}, fmt.Errorf("request %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RequestResult{}, fmt.Errorf("request %s rows affected: %w", path, err)
	}

	var id int64
	if err := l.db.QueryRowContext(ctx,
		`SELECT id FROM resource_requests WHERE path=? AND requester=? AND owner=? AND status='pending'`,
		path, requester, owner).Scan(&id); err != nil {
		return RequestResult{}, fmt.Errorf("request %s id: %w", path, err)
	}

	if n == 0 {
		return RequestResult{ID: id, Owner: owner, Outcome: RequestAlreadyExists}, nil
	}
	l.logger.Info("request sent", "requester", requester, "owner", owner, "path", path, "id", id)
	return RequestResult{ID: id, Owner: owner, Outcome: RequestSentTo(owner)}, nil
}

// GetRequest returns a request by id.
func (l *Ledger) GetRequest(ctx context.Context, id int64) (protocol.ResourceRequest, bool, error) {
	reqs, err := l.queryRequests(ctx, requestSelect+` WHERE id=?`, id)
	if err != nil {
		return protocol.ResourceRequest{}, false, err
	}
	if len(reqs) == 0 {
		return protocol.ResourceRequest{}, false, nil
	}
	return reqs[0], true, nil
}

// Approve transfers ownership of the request's path to the requester and
// marks the request approved. The release and relock happen in one
// transaction under the path's stripe, so no observer sees two owners or a
// gap another worker could slip into. It returns false if the request is not
// pending, or if a third worker holds the path by now (the request then stays
// pending).
func (l *Ledger) Approve(ctx context.Context, id int64) (bool, error) {
	req, ok, err := l.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok || req.Status != protocol.RequestPending {
		return false, nil
	}

	unlock := l.stripes.lock(req.Path)
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("approve %d: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM resource_requests WHERE id=?`, id).Scan(&status); err != nil {
		return false, fmt.Errorf("approve %d: reload: %w", id, err)
	}
	if protocol.RequestStatus(status) != protocol.RequestPending {
		return false, nil
	}

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT owner FROM resource_locks WHERE path=? AND status='locked'`, req.Path).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = ""
	case err != nil:
		return false, fmt.Errorf("approve %d: owner: %w", id, err)
	}

	now := l.now()
	switch current {
	case req.Requester:
		// Already transferred by other means; just resolve the request.
	case req.Owner, "":
		if current != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE resource_locks SET status='released', released_at=? WHERE path=? AND status='locked'`,
				now, req.Path); err != nil {
				return false, fmt.Errorf("approve %d: release: %w", id, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resource_locks (path, owner, description, status, acquired_at)
			 VALUES (?, ?, ?, 'locked', ?)`,
			req.Path, req.Requester, "transferred from "+req.Owner+": "+req.Reason, now); err != nil {
			return false, fmt.Errorf("approve %d: relock: %w", id, err)
		}
	default:
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE resource_requests SET status='approved', resolved_at=? WHERE id=?`, now, id); err != nil {
		return false, fmt.Errorf("approve %d: resolve: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("approve %d: commit: %w", id, err)
	}

	l.logger.Info("request approved", "id", id, "path", req.Path, "from", req.Owner, "to", req.Requester)
	return true, nil
}

// Deny marks a pending request denied. Ownership is unchanged. It returns
// false if the request does not exist or is not pending.
func (l *Ledger) Deny(ctx context.Context, id int64) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE resource_requests SET status='denied', resolved_at=? WHERE id=? AND status='pending'`,
		l.now(), id)
	if err != nil {
		return false, fmt.Errorf("deny %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deny %d rows affected: %w", id, err)
	}
	return n > 0, nil
}

// CancelRequests denies every pending request that worker made or that is
// addressed to worker. It returns the number of requests cancelled.
func (l *Ledger) CancelRequests(ctx context.Context, worker string) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE resource_requests SET status='denied', resolved_at=?
		 WHERE status='pending' AND (requester=? OR owner=?)`,
		l.now(), worker, worker)
	if err != nil {
		return 0, fmt.Errorf("cancel requests for %s: %w", worker, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel requests rows affected: %w", err)
	}
	return int(n), nil
}

// PendingFor returns the pending requests addressed to owner, oldest first.
func (l *Ledger) PendingFor(ctx context.Context, owner string) ([]protocol.ResourceRequest, error) {
	return l.queryRequests(ctx, requestSelect+` WHERE owner=? AND status='pending' ORDER BY id`, owner)
}

// ListRequests returns requests with the given status, or every request when
// status is empty.
func (l *Ledger) ListRequests(ctx context.Context, status protocol.RequestStatus) ([]protocol.ResourceRequest, error) {
	if status == "" {
		return l.queryRequests(ctx, requestSelect+` ORDER BY id`)
	}
	return l.queryRequests(ctx, requestSelect+` WHERE status=? ORDER BY id`, string(status))
}

const requestSelect = `SELECT id, path, requester, owner, reason, status, created_at, COALESCE(resolved_at, '')
	FROM resource_requests`

func (l *Ledger) queryRequests(ctx context.Context, q string, args ...any) ([]protocol.ResourceRequest, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []protocol.ResourceRequest
	for rows.Next() {
		var r protocol.ResourceRequest
		var status string
		if err := rows.Scan(&r.ID, &r.Path, &r.Requester, &r.Owner, &r.Reason, &status, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.Status = protocol.RequestStatus(status)
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return reqs, nil
}

// SortedPaths returns the keys of a Lock result in lexical order.
func SortedPaths(outcomes map[string]Outcome) []string {
	paths := make([]string, 0, len(outcomes))
	for p := range outcomes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
