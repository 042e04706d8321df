// Package supervisor runs the wrapped backend server as a child process and
// sequences the snapshot lifecycle hooks around its start/stop boundary.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
)

// Hooks are invoked around the child's stop boundary, in order: StopTimer
// before the child is signalled (no new snapshot may start once shutdown
// begins), FinalSnapshot after the child has exited (so the final snapshot
// reflects the backend's last write).
type Hooks struct {
	StopTimer     func()
	FinalSnapshot func(context.Context) error
}

// Supervisor owns one backend child process.
type Supervisor struct {
	command []string
	logger  *log.Logger
	cmd     *exec.Cmd
}

// New builds a supervisor for the given argv. The command must be non-empty.
func New(command []string, logger *log.Logger) *Supervisor {
	return &Supervisor{command: command, logger: logger, cmd: nil}
}

// Run launches the child and blocks until it exits, either on its own or
// after a termination signal arrives on stop. It returns the child's exit
// code. The final snapshot is best-effort; its failure never masks the
// child's exit code.
func (s *Supervisor) Run(ctx context.Context, stop <-chan os.Signal, hooks Hooks) (int, error) {
	if len(s.command) == 0 {
		return 0, fmt.Errorf("backend command is empty")
	}

	cmd := exec.Command(s.command[0], s.command[1:]...) // #nosec G204 -- argv is operator configuration.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start backend %q: %w", s.command[0], err)
	}
	s.cmd = cmd
	s.logger.Printf("backend started: pid=%d argv=%v", cmd.Process.Pid, s.command)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	var waitErr error
	select {
	case sig := <-stop:
		s.logger.Printf("received %v; stopping snapshot timer and forwarding to backend", sig)
		if hooks.StopTimer != nil {
			hooks.StopTimer()
		}
		if err := cmd.Process.Signal(sig); err != nil {
			s.logger.Printf("forward %v to backend: %v", sig, err)
		}
		waitErr = <-exited
	case waitErr = <-exited:
		s.logger.Print("backend exited on its own; stopping snapshot timer")
		if hooks.StopTimer != nil {
			hooks.StopTimer()
		}
	}

	code := exitCode(cmd, waitErr)
	s.logger.Printf("backend exited: code=%d", code)

	if hooks.FinalSnapshot != nil {
		if err := hooks.FinalSnapshot(ctx); err != nil {
			s.logger.Printf("final snapshot: %v", err)
		}
	}
	return code, nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	// Killed by signal or wait failed outright.
	return 1
}
