// Package supervisor launches long-running preview processes detached from
// the daemon, streams their output into a log buffer and tears them down as a
// whole process group.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/procutil"
)

// DefaultGrace is the SIGTERM to SIGKILL delay used by Stop
const DefaultGrace = 5 * time.Second

// adoptPoll is how often an adopted process is checked for liveness
const adoptPoll = 500 * time.Millisecond

// StopResult is the outcome of a Stop call
type StopResult int

const (
	// Stopped means the process group was running and has been terminated
	Stopped StopResult = iota
	// NotFound means no live process with that PID belongs to the workspace
	NotFound
)

func (r StopResult) String() string {
	if r == Stopped {
		return "stopped"
	}
	return "not_found"
}

// LineSink receives output lines. *logbuf.Buffer satisfies it.
type LineSink interface {
	Append(stream logbuf.Stream, text string) logbuf.Line
}

// Spec describes the process to launch
type Spec struct {
	Dir     string
	Command []string // argument vector; Command[0] is looked up in PATH
	Env     []string // KEY=VALUE, appended to the daemon's environment
	UsePTY  bool
	Output  LineSink
}

// Process is a supervised child
type Process struct {
	pid     int
	dir     string
	adopted bool
	output  LineSink
	started time.Time

	exited chan struct{} // leader reaped
	done   chan struct{} // leader reaped and output drained

	mu       sync.Mutex
	err      error
	exitCode int
	stopping bool
}

// PID returns the process ID, which is also the process group ID
func (p *Process) PID() int { return p.pid }

// Dir returns the workspace the process runs in
func (p *Process) Dir() string { return p.dir }

// Adopted reports whether the process was started by an earlier daemon
func (p *Process) Adopted() bool { return p.adopted }

// StartedAt returns when the process was launched or adopted
func (p *Process) StartedAt() time.Time { return p.started }

// Done is closed once the process has exited and its output is drained
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until Done and returns the exit error, if any
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ExitCode returns the exit status, or -1 while running, after a signal, or
// for adopted processes
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// StopRequested reports whether Stop has been called for this process
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Process) finish(err error, code int) {
	p.mu.Lock()
	p.err = err
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor tracks the processes it started. It is safe for concurrent use.
type Supervisor struct {
	log   *slog.Logger
	grace time.Duration

	mu    sync.Mutex
	byPID map[int]*Process
	byDir map[string]*Process

	tasks  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithGrace sets how long Stop waits after SIGTERM before SIGKILL
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// New creates a Supervisor
func New(log *slog.Logger, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		log:    log,
		grace:  DefaultGrace,
		byPID:  make(map[int]*Process),
		byDir:  make(map[string]*Process),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches spec.Command in spec.Dir. The child gets its own process
// group and no parent-death signal, so it survives a daemon restart.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, domain.Required("command")
	}
	dir, err := cleanDir(spec.Dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out LineSink = logbuf.New(logbuf.DefaultCapacity)
	if spec.Output != nil {
		out = spec.Output
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byDir[dir]; ok && !cur.isDone() {
		return nil, domain.Conflictf("process %d is already running in %s", cur.pid, dir)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)

	p := &Process{
		dir:      dir,
		output:   out,
		started:  time.Now(),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	if spec.UsePTY {
		err = s.startPTY(cmd, p)
	} else {
		err = s.startPipes(cmd, p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", domain.ErrProcess, spec.Command[0], err)
	}

	s.byPID[p.pid] = p
	s.byDir[dir] = p
	s.log.Info("process started", "pid", p.pid, "dir", dir, "command", spec.Command, "pty", spec.UsePTY)
	return p, nil
}

func (s *Supervisor) startPipes(cmd *exec.Cmd, p *Process) error {
	stdout := newLineWriter(p.output, logbuf.StreamStdout)
	stderr := newLineWriter(p.output, logbuf.StreamStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	procutil.Detach(cmd)
	// Descendants that keep the pipes open must not hold up Done.
	cmd.WaitDelay = s.grace

	if err := cmd.Start(); err != nil {
		return err
	}
	p.pid = cmd.Process.Pid

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		err := cmd.Wait()
		close(p.exited)
		stdout.Flush()
		stderr.Flush()
		s.reap(p, cmd, err)
	}()
	return nil
}

// reap records the exit, kills anything left in the group and untracks p
func (s *Supervisor) reap(p *Process, cmd *exec.Cmd, err error) {
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	if kerr := procutil.KillGroup(p.pid); kerr == nil {
		s.log.Debug("killed leftover group members", "pgid", p.pid)
	}

	s.mu.Lock()
	if s.byPID[p.pid] == p {
		delete(s.byPID, p.pid)
	}
	if s.byDir[p.dir] == p {
		delete(s.byDir, p.dir)
	}
	s.mu.Unlock()

	s.log.Info("process exited", "pid", p.pid, "dir", p.dir, "exit_code", code, "error", err)
	p.finish(err, code)
}

// Adopt tracks a process that an earlier daemon started, so it can be stopped.
// The process must lead its own group and run inside dir. Its output is not
// captured.
func (s *Supervisor) Adopt(pid int, dir string) (*Process, error) {
	dir, err := cleanDir(dir)
	if err != nil {
		return nil, err
	}
	if !procutil.Alive(pid) {
		return nil, domain.NotFoundf("process %d is not running", pid)
	}
	// A persisted PID may have been reused by an unrelated process.
	if !procutil.LeadsGroup(pid) {
		return nil, domain.NotFoundf("process %d does not lead its own process group", pid)
	}
	if err := checkWorkingDir(pid, dir); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byDir[dir]; ok && !cur.isDone() {
		return nil, domain.Conflictf("process %d is already running in %s", cur.pid, dir)
	}
	if cur, ok := s.byPID[pid]; ok && !cur.isDone() {
		return nil, domain.Conflictf("process %d is already tracked for %s", pid, cur.dir)
	}

	p := &Process{
		pid:      pid,
		dir:      dir,
		adopted:  true,
		started:  time.Now(),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	s.byPID[pid] = p
	s.byDir[dir] = p

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ticker := time.NewTicker(adoptPoll)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if procutil.Alive(pid) {
					continue
				}
				close(p.exited)
				s.mu.Lock()
				if s.byPID[pid] == p {
					delete(s.byPID, pid)
				}
				if s.byDir[p.dir] == p {
					delete(s.byDir, p.dir)
				}
				s.mu.Unlock()
				s.log.Info("adopted process exited", "pid", pid, "dir", p.dir)
				p.finish(nil, -1)
				return
			}
		}
	}()

	s.log.Info("process adopted", "pid", pid, "dir", dir)
	return p, nil
}

// Lookup returns the live process with pid, if it is tracked
func (s *Supervisor) Lookup(pid int) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byPID[pid]
	if !ok || p.isDone() {
		return nil, false
	}
	return p, true
}

// Running returns the number of live tracked processes
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.byPID {
		if !p.isDone() {
			n++
		}
	}
	return n
}

// Stop terminates the process group of pid, which must be running in dir.
// A PID the supervisor does not track, or one that has already exited, yields
// NotFound; the supervisor never signals processes it does not own.
func (s *Supervisor) Stop(ctx context.Context, pid int, dir string) (StopResult, error) {
	if pid <= 0 {
		return NotFound, &domain.ValidationError{Field: "pid", Reason: fmt.Sprintf("invalid process id %d", pid)}
	}
	dir = normDir(dir)

	s.mu.Lock()
	p, ok := s.byPID[pid]
	s.mu.Unlock()
	if !ok || p.isDone() {
		return NotFound, nil
	}
	if p.dir != dir {
		return NotFound, domain.Conflictf("process %d belongs to %s, not %s", pid, p.dir, dir)
	}

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	s.log.Info("stopping process group", "pid", pid, "dir", dir, "grace", s.grace)
	if err := procutil.TerminateGroup(pid, s.grace, p.exited); err != nil {
		if errors.Is(err, procutil.ErrGone) {
			return NotFound, nil
		}
		return NotFound, fmt.Errorf("%w: stopping %d: %v", domain.ErrProcess, pid, err)
	}

	// The group is gone; Done follows once Wait returns and output is flushed.
	select {
	case <-p.done:
	case <-time.After(s.grace + adoptPoll*2):
		return Stopped, fmt.Errorf("%w: process %d did not report exit after SIGKILL", domain.ErrTimeout, pid)
	case <-ctx.Done():
		return Stopped, ctx.Err()
	}
	return Stopped, nil
}

// Shutdown stops watching adopted processes and waits for the output drains
// of exited processes. Children that are still running are left alone; if
// ctx expires first the remaining drains are abandoned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	joined := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(joined)
	}()
	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		s.log.Warn("leaving processes running", "count", s.Running())
		return ctx.Err()
	}
}

// ProcessAlive reports whether pid exists and is not a zombie
func ProcessAlive(pid int) bool { return procutil.Alive(pid) }

// Descendants lists every process below pid in the process tree
func Descendants(pid int) ([]int, error) { return procutil.Descendants(pid) }

// normDir makes dir comparable without requiring it to still exist
func normDir(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// checkWorkingDir fails with ErrNotFound unless pid's current directory is
// dir or below it. Platforms without a way to read it skip the check.
func checkWorkingDir(pid int, dir string) error {
	cwd, err := procutil.WorkingDir(pid)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return domain.NotFoundf("process %d: reading working directory: %v", pid, err)
	}
	root := dir
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		root = resolved
	}
	rel, err := filepath.Rel(root, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return domain.NotFoundf("process %d runs in %s, not in %s", pid, cwd, dir)
	}
	return nil
}

func cleanDir(dir string) (string, error) {
	if dir == "" {
		return "", domain.Required("tempDir")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &domain.ValidationError{Field: "tempDir", Reason: err.Error()}
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", &domain.ValidationError{Field: "tempDir", Reason: fmt.Sprintf("%s is not a directory", abs)}
	}
	return abs, nil
}
