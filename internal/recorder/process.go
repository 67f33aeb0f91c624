package recorder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-whisperd/internal/command"
	"github.com/mattn/go-shellwords"
)

// FilePlaceholder marks where the capture path goes in the recorder command.
const FilePlaceholder = "{file}"

// Process is a handle to a background recorder.
type Process interface {
	Alive() bool
	// Terminate asks the recorder to finish and waits up to timeout.
	// It returns ErrTerminateTimeout when the recorder is still running.
	Terminate(timeout time.Duration) error
}

// Launcher starts a recorder writing to path. The recorder runs until
// terminated.
type Launcher interface {
	Launch(path string) (Process, error)
}

// ExecLauncher starts the recorder as a detached child process.
type ExecLauncher struct {
	command []string
	stop    []string
	runner  command.Runner
}

// NewExecLauncher parses the recorder and stop command templates. The
// recorder template must contain FilePlaceholder; stopCommand may be empty,
// in which case the recorder is interrupted with a signal.
func NewExecLauncher(recordCommand, stopCommand string, runner command.Runner) (*ExecLauncher, error) {
	parser := shellwords.NewParser()
	cmd, err := parser.Parse(recordCommand)
	if err != nil {
		return nil, fmt.Errorf("parse recorder command: %w", err)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("recorder command empty")
	}
	hasPlaceholder := false
	for _, arg := range cmd {
		if strings.Contains(arg, FilePlaceholder) {
			hasPlaceholder = true
		}
	}
	if !hasPlaceholder {
		return nil, fmt.Errorf("recorder command must contain %s", FilePlaceholder)
	}

	var stop []string
	if strings.TrimSpace(stopCommand) != "" {
		stop, err = shellwords.NewParser().Parse(stopCommand)
		if err != nil {
			return nil, fmt.Errorf("parse recorder stop command: %w", err)
		}
	}
	return &ExecLauncher{command: cmd, stop: stop, runner: runner}, nil
}

// CommandFor expands the recorder template for a capture path.
func (l *ExecLauncher) CommandFor(path string) []string {
	out := make([]string, len(l.command))
	for i, arg := range l.command {
		out[i] = strings.ReplaceAll(arg, FilePlaceholder, path)
	}
	return out
}

func (l *ExecLauncher) Launch(path string) (Process, error) {
	args := l.CommandFor(path)
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrMicUnavailable, args[0])
		}
		return nil, fmt.Errorf("%w: start %s: %v", ErrMicUnavailable, args[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{}), stop: l.stop, runner: l.runner}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stop   []string
	runner command.Runner
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate runs the stop command, or interrupts the recorder when there is
// none. A failed stop command falls back to the interrupt.
func (p *execProcess) Terminate(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var stopErr error
	if len(p.stop) > 0 {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		if _, err := p.runner.Run(ctx, p.stop[0], p.stop[1:]...); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrTerminateTimeout
			}
			stopErr = fmt.Errorf("recorder stop command: %w", err)
		}
	}
	if (len(p.stop) == 0 || stopErr != nil) && p.Alive() {
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil && p.Alive() {
			return errors.Join(stopErr, fmt.Errorf("signal recorder: %w", err))
		}
	}

	select {
	case <-p.done:
		return stopErr
	case <-time.After(time.Until(deadline)):
		return errors.Join(ErrTerminateTimeout, stopErr)
	}
}
