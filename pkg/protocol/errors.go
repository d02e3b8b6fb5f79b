package protocol

import "fmt"

// WorkerNotFoundError represents a roster lookup failure.
// It enables typed error discrimination via errors.As.
type WorkerNotFoundError struct {
	Name string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.Name)
}

// SpawnError represents a failure to launch the execution tool.
type SpawnError struct {
	Worker string
	Tool   string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s for worker %s: %v", e.Tool, e.Worker, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ToolFailureError describes a session whose execution tool exited with a
// non-zero code or printed a known error signature.
type ToolFailureError struct {
	Worker   string
	ExitCode int
	Reason   string
}

func (e *ToolFailureError) Error() string {
	return fmt.Sprintf("tool failed for worker %s (exit %d): %s", e.Worker, e.ExitCode, e.Reason)
}
