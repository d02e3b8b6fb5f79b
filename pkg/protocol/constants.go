package protocol

// Directory and file constants used throughout foreman.
const (
	// ForemanDir is the user-level state directory (e.g., ~/.foreman).
	ForemanDir = ".foreman"

	// ProgressDir holds the progress documents under the state directory.
	ProgressDir = "progress"

	// WorkersDir holds per-worker tool output logs under the state directory.
	WorkersDir = "workers"
)

// LockStatus is the status column of a resource_locks row.
type LockStatus string

// Lock status constants.
const (
	LockLocked   LockStatus = "locked"
	LockReleased LockStatus = "released"
)

// RequestStatus is the status column of a resource_requests row.
type RequestStatus string

// Request status constants.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// AssignmentStatus is the status column of an assignments row.
type AssignmentStatus string

// Assignment status constants.
const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// CommandStatus is the status column of a commands row.
type CommandStatus string

// Command status constants.
const (
	CommandPending CommandStatus = "pending"
	CommandDone    CommandStatus = "done"
	CommandFailed  CommandStatus = "failed"
)
