package protocol

// EventType classifies a row in the events table.
type EventType string

// Event type constants.
const (
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskCompleted EventType = "task_completed"
	EventHelpNeeded    EventType = "help_needed"
	EventHelpProvided  EventType = "help_provided"
	EventRecovery      EventType = "recovery"
	EventEscalation    EventType = "escalation"
	EventCommandFailed EventType = "command_failed"
	EventWorkerHired   EventType = "worker_hired"
	EventWorkerFired   EventType = "worker_fired"
)

// DefaultToolCommand is the execution tool binary used when none is configured.
const DefaultToolCommand = "claude"

// DefaultMode is passed to the execution tool when no mode is configured.
const DefaultMode = "code"
