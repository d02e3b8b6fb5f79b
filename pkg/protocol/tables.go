package protocol

// Worker represents a row in the workers SQLite table.
type Worker struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	CreatedAt    string   `json:"created_at"`
}

// ResourceLock represents a row in the resource_locks SQLite table.
type ResourceLock struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Owner       string     `json:"owner"`
	Description string     `json:"description"`
	Status      LockStatus `json:"status"`
	AcquiredAt  string     `json:"acquired_at"`
	ReleasedAt  string     `json:"released_at,omitempty"`
}

// ResourceRequest represents a row in the resource_requests SQLite table.
// A requester asks the current owner of a path to hand it over.
type ResourceRequest struct {
	ID         int64         `json:"id"`
	Path       string        `json:"path"`
	Requester  string        `json:"requester"`
	Owner      string        `json:"owner"`
	Reason     string        `json:"reason"`
	Status     RequestStatus `json:"status"`
	CreatedAt  string        `json:"created_at"`
	ResolvedAt string        `json:"resolved_at,omitempty"`
}

// Assignment represents a row in the assignments SQLite table.
// Tracks worker-to-task assignment lifecycle.
type Assignment struct {
	ID          int64            `json:"id"`
	Worker      string           `json:"worker"`
	SessionID   string           `json:"session_id"`
	Task        string           `json:"task"`
	Status      AssignmentStatus `json:"status"`
	Reason      string           `json:"reason"`
	AssignedAt  string           `json:"assigned_at"`
	CompletedAt string           `json:"completed_at"`
}

// CommandRow represents a row in the commands SQLite table.
// The CLI (or a transport adapter) writes commands; the daemon reads and
// processes them.
type CommandRow struct {
	ID          int64  `json:"id"`
	Directive   string `json:"directive"`
	Worker      string `json:"worker"`
	Args        string `json:"args"`
	Status      string `json:"status"`
	Result      string `json:"result"`
	CreatedAt   string `json:"created_at"`
	ProcessedAt string `json:"processed_at"`
}

// Event represents a row in the events SQLite table.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Worker    string `json:"worker"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}
