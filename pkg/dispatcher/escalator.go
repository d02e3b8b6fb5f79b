package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/health"
)

// Escalator delivers a message to the human operator.
type Escalator interface {
	Escalate(ctx context.Context, msg string) error
}

// FormatEscalation renders a failed recovery as a single line:
//
//	[FOREMAN] ESCALATION: <worker>: <action> after <kinds> failed. <notes>.
func FormatEscalation(worker string, rec health.Record) string {
	kinds := make([]string, len(rec.Kinds))
	for i, k := range rec.Kinds {
		kinds[i] = string(k)
	}
	msg := fmt.Sprintf("[FOREMAN] ESCALATION: %s: %s after %s failed.", worker, rec.Action, strings.Join(kinds, "+"))
	if rec.Notes != "" {
		msg += " " + strings.TrimSuffix(rec.Notes, ".") + "."
	}
	return msg
}

// HookEscalator runs an operator-configured command with the escalation
// message as its final argument, e.g. a desktop notifier or a chat webhook
// script.
type HookEscalator struct {
	command string
	args    []string
	runner  CommandRunner
}

// NewHookEscalator returns a HookEscalator for command. A nil runner uses
// ExecCommandRunner.
func NewHookEscalator(command []string, runner CommandRunner) *HookEscalator {
	if runner == nil {
		runner = ExecCommandRunner{}
	}
	e := &HookEscalator{runner: runner}
	if len(command) > 0 {
		e.command = command[0]
		e.args = append([]string(nil), command[1:]...)
	}
	return e
}

// Escalate implements Escalator.
func (e *HookEscalator) Escalate(ctx context.Context, msg string) error {
	if e.command == "" {
		return fmt.Errorf("escalation hook: no command configured")
	}
	args := append(append([]string(nil), e.args...), singleLine(msg))
	if _, err := e.runner.Run(ctx, e.command, args...); err != nil {
		return fmt.Errorf("escalation hook: %w", err)
	}
	return nil
}

// singleLine strips line breaks so the message reads as one line wherever
// the hook displays it.
func singleLine(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	return strings.ReplaceAll(msg, "\n", " ")
}
