package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running worker that speaks the line protocol.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	PID() int
	// Wait blocks until the process exits. It is called after Stdout reaches EOF.
	Wait() error
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSpawner starts workers as OS child processes.
type ExecSpawner struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// Stderr receives the child's log output. Defaults to os.Stderr.
	Stderr io.Writer
}

// Spawn starts one child. The child is not bound to ctx; its lifetime is
// managed by the pool.
func (s ExecSpawner) Spawn(_ context.Context) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...) //nolint:gosec // path comes from configuration
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("wait pid %d: %w", p.PID(), err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	return nil
}
