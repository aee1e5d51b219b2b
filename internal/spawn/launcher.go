package spawn

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Spec is everything a Launcher needs to start one agent.
type Spec struct {
	Tag       string
	Hint      string
	Directory string
	Args      []string
	// Env holds KEY=VALUE pairs added on top of the launcher's environment.
	Env []string
}

// Process is a started agent.
type Process interface {
	// PID is 0 when the launcher cannot observe it; the agent's own
	// session-started report fills it in.
	PID() int
	Wait() error
	Stop() error
}

// Launcher starts agent processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher starts agents on the local host with os/exec.
type ExecLauncher struct {
	// Path defaults to the running executable.
	Path string
	// BaseArgs precede Spec.Args; defaults to ["agent"].
	BaseArgs []string
	Env      []string
	Stdout   io.Writer
	Stderr   io.Writer
}

func (l ExecLauncher) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(l.Path)
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = self
	}
	base := l.BaseArgs
	if base == nil {
		base = []string{"agent"}
	}
	args := append(append([]string{}, base...), spec.Args...)

	// Not CommandContext: the agent outlives the launch request.
	cmd := exec.Command(path, args...)
	cmd.Dir = spec.Directory
	cmd.Env = append(append(os.Environ(), l.Env...), spec.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, done: make(chan struct{})}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	err  error
	done chan struct{}
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	p.once.Do(func() {
		p.err = p.cmd.Wait()
		close(p.done)
	})
	<-p.done
	return p.err
}

func (p *execProcess) Stop() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// ExitCode maps a Wait error to a process exit code: 0 on success, the exit
// status when the process ran, 127 when it could not be executed.
func ExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}
