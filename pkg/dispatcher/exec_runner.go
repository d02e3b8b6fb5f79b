package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultHookTimeout bounds a single escalation hook run.
const DefaultHookTimeout = 30 * time.Second

// CommandRunner runs an operator hook and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommandRunner runs hooks as child processes. The hook sees
// FOREMAN_HOOK=1 in its environment and gets no stdin. A zero Timeout means
// DefaultHookTimeout.
type ExecCommandRunner struct {
	Timeout time.Duration
}

// Run implements CommandRunner. On failure the last line the hook wrote to
// stderr is folded into the error.
func (r ExecCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "FOREMAN_HOOK=1")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: timed out after %s", name, timeout)
		}
		if last := lastLine(stderr.String()); last != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, last)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
