// Package shell runs confirmed commands through the host's command
// interpreter with the service's own privileges. Commands are passed to
// the interpreter untouched and their output is relayed untouched; the
// confirmation dialog is the only gate.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrSpawn is wrapped by errors from Run when the interpreter could not
// be started at all.
var ErrSpawn = errors.New("command could not be started")

// DefaultTimeout bounds a command when the executor has none configured.
const DefaultTimeout = 60 * time.Second

// Executor runs shell commands.
type Executor struct {
	// Shell is the interpreter, invoked as Shell -c command.
	Shell      string
	WorkingDir string
	Timeout    time.Duration
}

// New creates an Executor using sh.
func New(workingDir string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		Shell:      "sh",
		WorkingDir: workingDir,
		Timeout:    timeout,
	}
}

// Result is the captured output of one command. The exit status is
// deliberately not part of it.
type Result struct {
	Stdout   string
	Stderr   string
	TimedOut bool
	Elapsed  time.Duration
}

// Format renders r for the chat. Standard error wins when non-empty.
func (r Result) Format() string {
	var s string
	if r.Stderr != "" {
		s = fmt.Sprintf("Errors during command execution\n```\n%s\n```", r.Stderr)
	} else {
		s = fmt.Sprintf("Command execution result\n```\n%s\n```", r.Stdout)
	}
	if r.TimedOut {
		s = fmt.Sprintf("Command timed out after %s.\n%s", r.Elapsed.Round(time.Second), s)
	}
	return s
}

// Run executes command and captures its output. A non-zero exit is not
// an error. The only error is a failure to start, which wraps ErrSpawn.
func (e *Executor) Run(ctx context.Context, command string) (Result, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sh := e.Shell
	if sh == "" {
		sh = "sh"
	}
	cmd := exec.CommandContext(ctx, sh, "-c", command)
	if e.WorkingDir != "" {
		cmd.Dir = e.WorkingDir
	}
	// Children that hold the pipes open must not outlive the deadline.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	_ = cmd.Wait()

	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Elapsed:  time.Since(start),
	}, nil
}
