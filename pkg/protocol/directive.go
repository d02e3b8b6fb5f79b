package protocol

// Directive represents an instruction queued for the daemon.
type Directive string

const (
	DirectiveAssign Directive = "assign" // Start a task on a worker.
	DirectiveHelp   Directive = "help"   // Provide help text to a stuck worker.
	DirectiveStop   Directive = "stop"   // Force-stop a worker's session.
	DirectiveFire   Directive = "fire"   // Remove a worker, cascading cleanup.
)

// Valid reports whether d is one of the known directive values.
func (d Directive) Valid() bool {
	switch d {
	case DirectiveAssign, DirectiveHelp, DirectiveStop, DirectiveFire:
		return true
	default:
		return false
	}
}

// NeedsArgs reports whether the directive requires a non-empty argument
// (the task text for assign, the help text for help).
func (d Directive) NeedsArgs() bool {
	return d == DirectiveAssign || d == DirectiveHelp
}
