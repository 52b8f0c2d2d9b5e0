package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/drblury/zmqflow/internal/runtime/worker"
)

// Process is a worker running outside this process.
type Process interface {
	PID() int
	// Signal asks the process to stop. force kills it outright.
	Signal(force bool) error
	Wait() error
}

// Launcher starts process-role workers.
type Launcher interface {
	Launch(ctx context.Context, desc worker.Descriptor) (Process, error)
}

// ExecLauncher re-executes a binary with the descriptor in the environment.
// The child detects it through worker.DescriptorFromEnv.
type ExecLauncher struct {
	// Path defaults to the current executable.
	Path string
	// Args are passed to the child; defaults to the current arguments.
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

func (l ExecLauncher) Launch(_ context.Context, desc worker.Descriptor) (Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: locate executable: %w", err)
		}
		path = exe
	}
	args := l.Args
	if args == nil && len(os.Args) > 1 {
		args = os.Args[1:]
	}
	raw, err := desc.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), worker.EnvDescriptor+"="+raw)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker %q: %w", desc.Name, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(force bool) error {
	if force {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) && !exitErr.Exited() {
		// Terminated by our own signal.
		return nil
	}
	return err
}
