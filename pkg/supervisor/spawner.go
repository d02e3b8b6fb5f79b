package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"syscall"

	"foreman/pkg/protocol"
)

// SpawnRequest is everything a Spawner needs to launch the execution tool.
type SpawnRequest struct {
	Worker string
	Mode   string
	Model  string
	Prompt string
}

// Spawner launches the execution tool. It returns the process handle, a
// reader carrying the tool's combined stdout and stderr, and optionally a
// writer connected to its stdin (nil if the tool takes no input).
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, io.ReadCloser, io.WriteCloser, error)
}

// Process abstracts a running subprocess.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is reported as an
	// error implementing ExitCode() int.
	Wait() error
	// Interrupt asks the process (and its descendants) to stop.
	Interrupt() error
	// Kill terminates the process (and its descendants) immediately.
	Kill() error
}

// exitCode extracts the exit code from a Wait error: 0 for nil, the reported
// code when the error carries one, and -1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}

// ToolSpawner is the production Spawner. It runs
//
//	<Command> [Args...] --mode <mode> [--model <model>] <prompt>
//
// in its own process group so that Interrupt and Kill reach every descendant
// the tool starts.
//
// Stdin is /dev/null unless KeepStdin is set. Tools that read stdin to EOF
// (claude -p does when stdin is not a terminal) would otherwise hang; with
// KeepStdin the pipe stays open for the session so nudges can be written.
type ToolSpawner struct {
	Command   string
	Args      []string
	Dir       string
	KeepStdin bool
}

// Spawn starts the tool. Stdout and stderr share one pipe so the parser sees
// lines in the order the tool wrote them.
func (s *ToolSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, io.ReadCloser, io.WriteCloser, error) {
	command := s.Command
	if command == "" {
		command = protocol.DefaultToolCommand
	}
	args := slices.Clone(s.Args)
	if req.Mode != "" {
		args = append(args, "--mode", req.Mode)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Prompt)

	// The session outlives the request context; Stop manages termination.
	cmd := exec.Command(command, args...) //nolint:gosec // tool binary comes from operator config
	cmd.Dir = s.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, &protocol.SpawnError{Worker: req.Worker, Tool: command, Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	var stdin io.WriteCloser
	if s.KeepStdin {
		if stdin, err = cmd.StdinPipe(); err != nil {
			_ = pr.Close()
			_ = pw.Close()
			return nil, nil, nil, &protocol.SpawnError{Worker: req.Worker, Tool: command, Err: err}
		}
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, nil, nil, &protocol.SpawnError{Worker: req.Worker, Tool: command, Err: err}
	}
	// The child inherited the write end; the parent's copy must be closed so
	// the reader sees EOF when the tool exits.
	_ = pw.Close()

	return &groupProcess{cmd: cmd}, pr, stdin, nil
}

// groupProcess signals a whole process group (negative PID).
type groupProcess struct {
	cmd *exec.Cmd
}

func (p *groupProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("tool wait: %w", err)
	}
	return nil
}

func (p *groupProcess) Interrupt() error {
	return p.signal(syscall.SIGTERM)
}

func (p *groupProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *groupProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %v to tool group: %w", sig, err)
	}
	return nil
}
