package progress

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"foreman/pkg/protocol"

	"github.com/gofrs/flock"
)

const (
	activeDir  = "active"
	archiveDir = "archive"
	docExt     = ".yaml"

	// archiveKeyLayout sorts lexically in time order.
	archiveKeyLayout = "20060102T150405.000000000Z"
)

// Store persists progress documents under a root directory:
//
//	<root>/active/<worker>.yaml
//	<root>/archive/<worker>/<timestamp>.yaml
//
// Writes for one worker are serialized by an in-process mutex and an advisory
// file lock, so the daemon and CLI invocations can share a root. Different
// workers proceed concurrently.
//
// Every operation is soft-fail: a missing active record or an I/O problem is
// logged and reported as false/nil, never as an error, so a flaky progress
// update cannot abort a running session.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore creates the directory layout under root and returns a Store.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	for _, d := range []string{filepath.Join(root, activeDir), filepath.Join(root, archiveDir)} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create progress dir %s: %w", d, err)
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		root:    root,
		logger:  logger.With("component", "progress"),
		locks:   make(map[string]*sync.Mutex),
		nowFunc: time.Now,
	}, nil
}

// SetNowFunc overrides the clock used for timestamps and archive keys.
//
//foreman:testonly
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

func (s *Store) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFunc().UTC()
}

// ArchiveRoot is the directory holding every worker's archive. The bridge
// watches it to notice completions early.
func (s *Store) ArchiveRoot() string {
	return filepath.Join(s.root, archiveDir)
}

func (s *Store) activePath(worker string) string {
	return filepath.Join(s.root, activeDir, worker+docExt)
}

func (s *Store) archivePath(worker string) string {
	return filepath.Join(s.root, archiveDir, worker)
}

// lockWorker serializes access to one worker's documents and returns the
// matching unlock func. It returns nil if the name is unusable or the file
// lock cannot be taken.
func (s *Store) lockWorker(worker string) func() {
	if !protocol.ValidWorkerName(worker) {
		s.logger.Warn("invalid worker name", "worker", worker)
		return nil
	}

	s.mu.Lock()
	m, ok := s.locks[worker]
	if !ok {
		m = &sync.Mutex{}
		s.locks[worker] = m
	}
	s.mu.Unlock()

	m.Lock()
	fl := flock.New(filepath.Join(s.root, activeDir, worker+".lock"))
	if err := fl.Lock(); err != nil {
		m.Unlock()
		s.logger.Warn("progress file lock failed", "worker", worker, "error", err)
		return nil
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}
}

// --- Reads and writes (caller holds the worker lock) ---

func (s *Store) read(worker string) (*Record, bool) {
	data, err := os.ReadFile(s.activePath(worker))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read progress", "worker", worker, "error", err)
		}
		return nil, false
	}
	r, err := Decode(data)
	if err != nil {
		s.logger.Warn("corrupt progress document", "worker", worker, "error", err)
		return nil, false
	}
	return r, true
}

func (s *Store) write(r *Record) bool {
	data, err := Encode(r)
	if err != nil {
		s.logger.Warn("encode progress", "worker", r.Worker, "error", err)
		return false
	}
	if err := writeFileAtomic(s.activePath(r.Worker), data); err != nil {
		s.logger.Warn("write progress", "worker", r.Worker, "error", err)
		return false
	}
	return true
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path so readers never observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// archive moves the active record into the archive without overwriting an
// existing entry, and returns the archive key.
func (s *Store) archive(r *Record) (string, bool) {
	dir := s.archivePath(r.Worker)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("create archive dir", "worker", r.Worker, "error", err)
		return "", false
	}

	now := s.now()
	if r.CompletedAt.IsZero() {
		r.CompletedAt = now
	}
	data, err := Encode(r)
	if err != nil {
		s.logger.Warn("encode archive", "worker", r.Worker, "error", err)
		return "", false
	}

	ts := now
	for range 1000 {
		key := ts.Format(archiveKeyLayout)
		f, err := os.OpenFile(filepath.Join(dir, key+docExt), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, fs.ErrExist) {
			ts = ts.Add(time.Nanosecond)
			continue
		}
		if err != nil {
			s.logger.Warn("create archive entry", "worker", r.Worker, "error", err)
			return "", false
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			s.logger.Warn("write archive entry", "worker", r.Worker, "error", errors.Join(werr, cerr))
			return "", false
		}
		if err := os.Remove(s.activePath(r.Worker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("clear active record", "worker", r.Worker, "error", err)
		}
		return key, true
	}
	s.logger.Warn("no free archive key", "worker", r.Worker)
	return "", false
}

// --- Operations ---

// Create seeds a new active record with every path at 0%. A leftover active
// record from an earlier task is archived first rather than dropped.
func (s *Store) Create(worker, task string, paths []string) bool {
	unlock := s.lockWorker(worker)
	if unlock == nil {
		return false
	}
	defer unlock()

	if stale, ok := s.read(worker); ok {
		s.logger.Info("archiving stale active record", "worker", worker, "task", stale.Task)
		s.archive(stale)
	}

	now := s.now()
	r := &Record{
		Worker:    worker,
		Task:      task,
		CreatedAt: now,
		UpdatedAt: now,
		Resources: make(map[string]ResourceProgress, len(paths)),
	}
	for _, p := range paths {
		r.SetResource(p, 0, "")
	}
	return s.write(r)
}

// Update applies fn to the active record and persists it. It returns false if
// there is no active record.
func (s *Store) Update(worker string, fn func(*Record)) bool {
	unlock := s.lockWorker(worker)
	if unlock == nil {
		return false
	}
	defer unlock()

	r, ok := s.read(worker)
	if !ok {
		return false
	}
	fn(r)
	r.UpdatedAt = s.now()
	return s.write(r)
}

// UpdateResource sets one path's percent and note. Percent is clamped to
// 0..100; at 100 the note is tagged ReadyTag.
func (s *Store) UpdateResource(worker, path string, percent int, note string) bool {
	return s.Update(worker, func(r *Record) {
		r.SetResource(path, percent, note)
	})
}

// UpdateCurrentWork replaces the free-text current-work field.
func (s *Store) UpdateCurrentWork(worker, text string) bool {
	return s.Update(worker, func(r *Record) {
		r.CurrentWork = text
	})
}

// AppendCurrentWork appends a line to the current-work field.
func (s *Store) AppendCurrentWork(worker, text string) bool {
	return s.Update(worker, func(r *Record) {
		if r.CurrentWork == "" {
			r.CurrentWork = text
			return
		}
		r.CurrentWork = r.CurrentWork + "\n" + text
	})
}

// Get returns the worker's active record.
func (s *Store) Get(worker string) (*Record, bool) {
	unlock := s.lockWorker(worker)
	if unlock == nil {
		return nil, false
	}
	defer unlock()
	return s.read(worker)
}

// Complete archives the active record and clears the active slot. It returns
// the archive key.
func (s *Store) Complete(worker string) (string, bool) {
	unlock := s.lockWorker(worker)
	if unlock == nil {
		return "", false
	}
	defer unlock()

	r, ok := s.read(worker)
	if !ok {
		return "", false
	}
	key, ok := s.archive(r)
	if ok {
		s.logger.Info("progress archived", "worker", worker, "key", key, "percent", r.Percent())
	}
	return key, ok
}

// Delete removes the active record without archiving it.
func (s *Store) Delete(worker string) bool {
	unlock := s.lockWorker(worker)
	if unlock == nil {
		return false
	}
	defer unlock()

	err := os.Remove(s.activePath(worker))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("delete progress", "worker", worker, "error", err)
		}
		return false
	}
	return true
}

// GetAll returns every active record keyed by worker.
func (s *Store) GetAll() map[string]*Record {
	out := make(map[string]*Record)
	entries, err := os.ReadDir(filepath.Join(s.root, activeDir))
	if err != nil {
		s.logger.Warn("list progress", "error", err)
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, docExt) {
			continue
		}
		worker := strings.TrimSuffix(name, docExt)
		if r, ok := s.Get(worker); ok {
			out[worker] = r
		}
	}
	return out
}

// History returns the worker's archive keys, oldest first.
func (s *Store) History(worker string) []string {
	if !protocol.ValidWorkerName(worker) {
		return nil
	}
	entries, err := os.ReadDir(s.archivePath(worker))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("list archive", "worker", worker, "error", err)
		}
		return nil
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), docExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), docExt))
	}
	sort.Strings(keys)
	return keys
}

// Archived returns one archived record by key.
func (s *Store) Archived(worker, key string) (*Record, bool) {
	if !protocol.ValidWorkerName(worker) || strings.ContainsAny(key, `/\`) {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(s.archivePath(worker), key+docExt))
	if err != nil {
		return nil, false
	}
	r, err := Decode(data)
	if err != nil {
		s.logger.Warn("corrupt archive entry", "worker", worker, "key", key, "error", err)
		return nil, false
	}
	return r, true
}

// LastCompleted returns the most recent archived record.
func (s *Store) LastCompleted(worker string) (*Record, bool) {
	keys := s.History(worker)
	if len(keys) == 0 {
		return nil, false
	}
	return s.Archived(worker, keys[len(keys)-1])
}
