// Package runner executes commands in a working directory and captures their
// output and exit status.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/procutil"
)

// DefaultGrace is how long a timed-out command gets between SIGTERM and SIGKILL.
const DefaultGrace = 2 * time.Second

// Command describes one invocation. Name and Args are passed to the OS as an
// argument vector; nothing goes through a shell.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the runner's environment
	Timeout time.Duration
}

// String renders the command for logs
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the captured outcome of a finished command
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit code
func (r *Result) Success() bool { return r.ExitCode == 0 }

// Output returns stderr if present, otherwise stdout, trimmed
func (r *Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner runs commands. It holds no per-command state and is safe for
// concurrent use.
type Runner struct {
	log   *slog.Logger
	grace time.Duration
	env   []string
}

// Option configures a Runner
type Option func(*Runner)

// WithGrace sets the SIGTERM to SIGKILL delay used on timeout
func WithGrace(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// WithEnv adds variables to every command's environment
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// New creates a Runner
func New(log *slog.Logger, opts ...Option) *Runner {
	r := &Runner{log: log, grace: DefaultGrace}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes c and waits for it. A non-zero exit code is reported in the
// Result, not as an error. Errors are returned for an empty command, a missing
// directory, a spawn failure, or a timeout/cancellation; in the last case the
// command's whole process group is terminated before Run returns.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, domain.Required("command")
	}
	if c.Dir != "" {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return nil, &domain.ValidationError{Field: "directory", Reason: fmt.Sprintf("%s does not exist", c.Dir)}
		}
		if !info.IsDir() {
			return nil, &domain.ValidationError{Field: "directory", Reason: fmt.Sprintf("%s is not a directory", c.Dir)}
		}
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), r.env...), c.Env...)
	procutil.Detach(cmd)
	// Grandchildren that keep the pipes open must not hang Wait forever.
	cmd.WaitDelay = r.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	r.log.Debug("running command", "command", c.String(), "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", domain.ErrProcess, c.Name, err)
	}

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-ctx.Done():
		r.log.Warn("terminating command", "command", c.String(), "pid", cmd.Process.Pid, "reason", ctx.Err())
		_ = procutil.TerminateGroup(cmd.Process.Pid, r.grace, exited)
		<-exited
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrTimeout, c.String(), c.Timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProcess, c.String(), ctx.Err())
	}

	// Background jobs the command left behind in its group are not ours to keep.
	if err := procutil.KillGroup(cmd.Process.Pid); err == nil {
		r.log.Debug("killed leftover processes", "command", c.String(), "pgid", cmd.Process.Pid)
	}

	res := &Result{
		Command:  c.String(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	switch {
	case waitErr == nil:
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Exited, but a leftover child held the pipes past the grace delay.
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrProcess, c.String(), waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.log.Debug("command finished", "command", c.String(), "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

// RunShell runs script through sh -c. It exists for the manual run-command
// primitive; everything else goes through Run with an argument vector.
func (r *Runner) RunShell(ctx context.Context, script, dir string, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(script) == "" {
		return nil, domain.Required("command")
	}
	return r.Run(ctx, Command{Name: "sh", Args: []string{"-c", script}, Dir: dir, Timeout: timeout})
}
