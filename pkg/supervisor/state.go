// Package supervisor owns the worker→session mapping. It acquires a worker's
// resource locks, drives the execution tool as a subprocess, turns the tool's
// output into progress updates, and guarantees that every session ends with
// its locks released and its progress record archived.
package supervisor

import (
	"errors"
	"time"
)

// State is a worker's session state.
type State string

// Session states. A worker moves idle → starting → running and then to one of
// completed, blocked, or crashed. The terminal state is reported until the
// next Start.
const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateBlocked   State = "blocked"
	StateCrashed   State = "crashed"
)

// Live reports whether a session in this state holds (or is acquiring)
// resources.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning
}

// Sentinel errors returned by Start.
var (
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrAlreadyRunning = errors.New("worker already has a live session")
	ErrBlocked        = errors.New("no resources could be locked")

	ErrStoppedDuringStart = errors.New("session stopped while starting")
)

// StartOptions carries per-session tool hints.
type StartOptions struct {
	Model string
	Mode  string
}

// Result describes how a session ended.
type Result struct {
	SessionID  string    `json:"session_id"`
	Worker     string    `json:"worker"`
	Task       string    `json:"task"`
	Success    bool      `json:"success"`
	Stopped    bool      `json:"stopped"`
	ExitCode   int       `json:"exit_code"`
	Reason     string    `json:"reason,omitempty"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Worker    string    `json:"worker"`
	Task      string    `json:"task"`
	Model     string    `json:"model,omitempty"`
	Mode      string    `json:"mode"`
	Running   bool      `json:"running"`
	Resources []string  `json:"resources"`
	StartedAt time.Time `json:"started_at"`
}
