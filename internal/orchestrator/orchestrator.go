// Package orchestrator composes the repository manager, the process
// supervisor and the session registry into the PR preview operations:
// clone, start, stop and logs, plus reaping, cleanup and restart recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/gitops"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/manifest"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/notify"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/session"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/supervisor"
)

// Remote is the name the PR's repository is registered under in a workspace
const Remote = "origin"

var repoNameRegex = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// Git is the repository manager as used by the orchestrator
type Git interface {
	CreateDirectory(path string) error
	CloneRepository(ctx context.Context, repoURL, dest, branch string) (*runner.Result, error)
	CheckoutBranch(ctx context.Context, dir, branch, startPoint string) (*runner.Result, error)
	SetupRemote(ctx context.Context, dir, remote, url string) (*runner.Result, error)
	FetchBranch(ctx context.Context, dir, remote, branch string) (*runner.Result, error)
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// CommandRunner runs setup commands
type CommandRunner interface {
	Run(ctx context.Context, c runner.Command) (*runner.Result, error)
}

// Processes is the process supervisor as used by the orchestrator
type Processes interface {
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Process, error)
	Stop(ctx context.Context, pid int, dir string) (supervisor.StopResult, error)
	Adopt(pid int, dir string) (*supervisor.Process, error)
	Shutdown(ctx context.Context) error
}

// Config holds the orchestrator's settings
type Config struct {
	WorkspaceRoot  string
	MaxSessions    int // 0 means unlimited
	CloneRetries   int
	RetryDelay     time.Duration
	BuildTimeout   time.Duration
	StopOnShutdown bool
	App            manifest.Defaults
}

// ClonePRRequest identifies the PR to prepare
type ClonePRRequest struct {
	PRNumber int
	Branch   string
	RepoURL  string
	RepoName string
}

// Validate checks every field before anything touches the filesystem
func (r ClonePRRequest) Validate() error {
	if r.PRNumber <= 0 {
		return &domain.ValidationError{Field: "prNumber", Reason: "must be a positive integer"}
	}
	if err := gitops.ValidateRef("branch", r.Branch); err != nil {
		return err
	}
	if err := gitops.ValidateRepoURL("repoUrl", r.RepoURL); err != nil {
		return err
	}
	if r.RepoName == "" {
		return domain.Required("repoName")
	}
	if !repoNameRegex.MatchString(r.RepoName) {
		return &domain.ValidationError{Field: "repoName", Reason: fmt.Sprintf("%q may only contain letters, digits, '.', '_' and '-'", r.RepoName)}
	}
	return nil
}

// StopResult reports what StopApp did
type StopResult struct {
	Stopped  bool `json:"stopped"`
	NotFound bool `json:"notFound"`
}

// Orchestrator is safe for concurrent use. Operations on the same PR are
// serialized; operations on different PRs run in parallel.
type Orchestrator struct {
	cfg      Config
	log      *slog.Logger
	sessions *session.Registry
	git      Git
	run      CommandRunner
	procs    Processes
	notifier notify.Notifier

	admitMu sync.Mutex // max_sessions check and Create

	watchMu  sync.Mutex
	watching map[int]chan struct{} // closed when the PR's watcher returns
	watchers sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithNotifier sets where failure and status notifications go
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// New creates an Orchestrator from its components. Call Shutdown when done.
func New(cfg Config, sessions *session.Registry, git Git, run CommandRunner, procs Processes, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		git:      git,
		run:      run,
		procs:    procs,
		notifier: notify.NoopNotifier{},
		watching: make(map[int]chan struct{}),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClonePR prepares a fresh workspace for the PR: directory, clone, checkout,
// remote and fetch. An active session for the PR is a conflict; a terminal
// one is replaced (its directory stays on disk). On failure the session is
// left in failed with its log and no rollback.
func (o *Orchestrator) ClonePR(ctx context.Context, req ClonePRRequest) (*domain.PRSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock, err := o.sessions.Lock(ctx, req.PRNumber)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := o.admit(req)
	if err != nil {
		return nil, err
	}
	pr, dir := sess.PRNumber, sess.TempDir
	log := o.log.With("pr", pr, "run_id", sess.RunID)
	log.Info("cloning PR", "repo", req.RepoURL, "branch", req.Branch, "dir", dir)
	o.setup(pr, "workspace %s allocated for %s@%s", dir, req.RepoName, req.Branch)

	if err := o.transition(pr, domain.StateCloning); err != nil {
		return o.fail(pr, err)
	}
	if err := o.git.CreateDirectory(dir); err != nil {
		return o.fail(pr, err)
	}
	o.setup(pr, "created directory %s", dir)

	if err := o.cloneWithRetry(ctx, pr, req.RepoURL, dir, req.Branch); err != nil {
		return o.fail(pr, err)
	}

	res, err := o.git.CheckoutBranch(ctx, dir, req.Branch, "")
	o.output(pr, res)
	if err != nil {
		return o.fail(pr, err)
	}
	if err := o.transition(pr, domain.StateCheckedOut); err != nil {
		return o.fail(pr, err)
	}
	o.setup(pr, "checked out %s", req.Branch)

	res, err = o.git.SetupRemote(ctx, dir, Remote, req.RepoURL)
	o.output(pr, res)
	if err != nil {
		return o.fail(pr, err)
	}
	if err := o.transition(pr, domain.StateRemoteReady); err != nil {
		return o.fail(pr, err)
	}
	o.setup(pr, "remote %s -> %s", Remote, req.RepoURL)

	res, err = o.git.FetchBranch(ctx, dir, Remote, req.Branch)
	o.output(pr, res)
	if err != nil {
		return o.fail(pr, err)
	}
	if err := o.transition(pr, domain.StateFetched); err != nil {
		return o.fail(pr, err)
	}

	head, err := o.git.HeadCommit(ctx, dir)
	if err == nil {
		o.setup(pr, "fetched %s/%s, HEAD at %s", Remote, req.Branch, head)
	} else {
		o.setup(pr, "fetched %s/%s", Remote, req.Branch)
	}
	log.Info("PR workspace ready", "dir", dir, "head", head)

	sess, _ = o.sessions.Get(pr)
	return sess, nil
}

// admit enforces the active-session rules and registers the new session
func (o *Orchestrator) admit(req ClonePRRequest) (*domain.PRSession, error) {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	if cur, ok := o.sessions.Get(req.PRNumber); ok && !cur.State.IsTerminal() {
		return nil, domain.Conflictf("PR %d already has an active session (%s) in %s", req.PRNumber, cur.State, cur.TempDir)
	}
	if limit := o.cfg.MaxSessions; limit > 0 && o.sessions.Active() >= limit {
		return nil, domain.Conflictf("%d sessions are active, the limit is %d", o.sessions.Active(), limit)
	}

	runID := uuid.NewString()
	name := fmt.Sprintf("%s-pr-%d-%s", req.RepoName, req.PRNumber, runID[:8])
	dir := filepath.Join(o.cfg.WorkspaceRoot, name)
	sess := domain.NewSession(req.PRNumber, runID, dir, req.RepoURL, req.RepoName, req.Branch)
	if err := o.sessions.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) cloneWithRetry(ctx context.Context, pr int, repoURL, dir, branch string) error {
	backoff := retry.WithMaxRetries(uint64(max(o.cfg.CloneRetries, 0)), retry.NewConstant(max(o.cfg.RetryDelay, time.Millisecond)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			o.setup(pr, "retrying clone (attempt %d)", attempt)
		}
		res, err := o.git.CloneRepository(ctx, repoURL, dir, branch)
		o.output(pr, res)
		if err == nil {
			return nil
		}
		// Only transport failures are retried, and only into a workspace
		// git left empty; nothing is deleted to make room.
		if gitops.IsTransient(err) && dirEmpty(dir) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func dirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

// StartApp runs the workspace's setup commands and launches its start
// command. The session must be checked out, remote-ready or fetched, and
// tempDir must be the session's directory. A PR that was never cloned is a
// conflict like any other wrong state.
func (o *Orchestrator) StartApp(ctx context.Context, pr int, tempDir string) (int, error) {
	if pr <= 0 {
		return 0, &domain.ValidationError{Field: "prNumber", Reason: "must be a positive integer"}
	}
	if tempDir == "" {
		return 0, domain.Required("tempDir")
	}
	unlock, err := o.sessions.Lock(ctx, pr)
	if err != nil {
		return 0, err
	}
	defer unlock()

	sess, ok := o.sessions.Get(pr)
	if !ok {
		return 0, domain.Conflictf("PR %d has not been cloned", pr)
	}
	if !sameDir(sess.TempDir, tempDir) {
		return 0, domain.Conflictf("PR %d lives in %s, not %s", pr, sess.TempDir, tempDir)
	}
	if !sess.State.Startable() {
		return 0, domain.Conflictf("PR %d is %s; it must be cloned and not yet started", pr, sess.State)
	}
	log := o.log.With("pr", pr, "run_id", sess.RunID)

	if err := o.transition(pr, domain.StateStarting); err != nil {
		return 0, err
	}

	m, err := manifest.Load(sess.TempDir)
	if err != nil {
		_, err = o.fail(pr, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return 0, err
	}
	plan, err := manifest.Resolve(m, o.cfg.App)
	if err != nil {
		_, err = o.fail(pr, &domain.ValidationError{Field: "manifest", Reason: err.Error()})
		return 0, err
	}
	if plan.Source != "" {
		o.setup(pr, "using %s", filepath.Base(plan.Source))
	}
	env := append(previewEnv(sess), plan.Env...)

	for _, argv := range plan.Setup {
		c := runner.Command{Name: argv[0], Args: argv[1:], Dir: sess.TempDir, Env: env, Timeout: o.cfg.BuildTimeout}
		o.setup(pr, "$ %s", c.String())
		res, err := o.run.Run(ctx, c)
		o.output(pr, res)
		if err != nil {
			_, err = o.fail(pr, err)
			return 0, err
		}
		if !res.Success() {
			_, err = o.fail(pr, fmt.Errorf("%w: setup command %q exited with status %d", domain.ErrProcess, c.String(), res.ExitCode))
			return 0, err
		}
	}

	sink, _ := o.sessions.Sink(pr)
	o.setup(pr, "$ %s", strings.Join(plan.Start, " "))
	proc, err := o.procs.Start(ctx, supervisor.Spec{
		Dir:     sess.TempDir,
		Command: plan.Start,
		Env:     env,
		UsePTY:  plan.UsePTY,
		Output:  sink,
	})
	if err != nil {
		_, err = o.fail(pr, err)
		return 0, err
	}

	pid := proc.PID()
	if _, err := o.sessions.Update(pr, func(s *domain.PRSession) error { return s.SetProcess(pid) }); err != nil {
		_, _ = o.procs.Stop(context.Background(), pid, sess.TempDir)
		_, err = o.fail(pr, err)
		return 0, err
	}
	o.setup(pr, "started process %d", pid)
	log.Info("preview started", "pid", pid, "dir", sess.TempDir, "command", plan.Start)
	o.watch(pr, sess.RunID, proc)
	o.notify(notify.Notification{
		Title:     "Preview running",
		Message:   fmt.Sprintf("process %d in %s", pid, sess.TempDir),
		Type:      notify.NotifySuccess,
		PRNumber:  pr,
		Branch:    sess.Branch,
		State:     string(domain.StateRunning),
		PID:       pid,
		Workspace: sess.TempDir,
	})
	return pid, nil
}

// previewEnv describes the session to the started process
func previewEnv(s *domain.PRSession) []string {
	return []string{
		"PR_NUMBER=" + strconv.Itoa(s.PRNumber),
		"PR_BRANCH=" + s.Branch,
		"PR_REPO_NAME=" + s.RepoName,
		"PR_PREVIEW_DIR=" + s.TempDir,
	}
}

// watch turns an exit nobody asked for into a failed session
func (o *Orchestrator) watch(pr int, runID string, proc *supervisor.Process) {
	done := make(chan struct{})
	o.watchMu.Lock()
	o.watching[pr] = done
	o.watchMu.Unlock()

	o.watchers.Add(1)
	go func() {
		defer o.watchers.Done()
		defer close(done)

		select {
		case <-proc.Done():
		case <-o.quit:
			return
		}
		if proc.StopRequested() {
			return
		}

		// StopApp holds the lock while it waits for the exit, so by the time we
		// get it a requested stop has already been recorded.
		unlock, err := o.sessions.Lock(context.Background(), pr)
		if err != nil {
			return
		}
		defer unlock()

		sess, ok := o.sessions.Get(pr)
		if !ok || sess.RunID != runID || sess.ProcessID != proc.PID() || sess.State != domain.StateRunning {
			return
		}
		exitErr := proc.Wait()
		reason := fmt.Errorf("%w: process %d exited unexpectedly", domain.ErrProcess, proc.PID())
		if code := proc.ExitCode(); code >= 0 {
			reason = fmt.Errorf("%w: process %d exited unexpectedly with status %d", domain.ErrProcess, proc.PID(), code)
		} else if exitErr != nil {
			reason = fmt.Errorf("%w: process %d exited unexpectedly: %v", domain.ErrProcess, proc.PID(), exitErr)
		}
		o.fail(pr, reason)
	}()
}

// StopApp stops the PR's process group. pid and tempDir must match the
// session; stopping a process that is already gone reports NotFound.
func (o *Orchestrator) StopApp(ctx context.Context, pr, pid int, tempDir string) (StopResult, error) {
	if pr <= 0 {
		return StopResult{}, &domain.ValidationError{Field: "prNumber", Reason: "must be a positive integer"}
	}
	if pid <= 0 {
		return StopResult{}, &domain.ValidationError{Field: "pid", Reason: "must be a positive integer"}
	}
	if tempDir == "" {
		return StopResult{}, domain.Required("tempDir")
	}
	unlock, err := o.sessions.Lock(ctx, pr)
	if err != nil {
		return StopResult{}, err
	}
	defer unlock()

	sess, ok := o.sessions.Get(pr)
	if !ok {
		return StopResult{}, domain.NotFoundf("no session for PR %d", pr)
	}
	if !sameDir(sess.TempDir, tempDir) {
		return StopResult{}, domain.Conflictf("PR %d lives in %s, not %s", pr, sess.TempDir, tempDir)
	}

	switch {
	case sess.State.HasProcess() && sess.ProcessID == pid:
	case !sess.State.HasProcess() && sess.LastProcessID == pid:
		// Already stopped or exited; repeated stops are no-ops.
		return StopResult{NotFound: true}, nil
	case sess.State.HasProcess():
		return StopResult{}, domain.Conflictf("PR %d runs process %d, not %d", pr, sess.ProcessID, pid)
	default:
		return StopResult{}, domain.Conflictf("PR %d has no process %d (state %s)", pr, pid, sess.State)
	}

	if sess.State == domain.StateRunning {
		if err := o.transition(pr, domain.StateStopping); err != nil {
			return StopResult{}, err
		}
	}
	o.setup(pr, "stopping process %d", pid)
	o.log.Info("stopping preview", "pr", pr, "pid", pid)

	res, err := o.procs.Stop(ctx, pid, sess.TempDir)
	if err != nil {
		_, err = o.fail(pr, err)
		return StopResult{}, err
	}
	if _, err := o.sessions.Update(pr, func(s *domain.PRSession) error { return s.MarkStopped() }); err != nil {
		return StopResult{}, err
	}
	if res == supervisor.NotFound {
		o.setup(pr, "process %d had already exited", pid)
		return StopResult{NotFound: true}, nil
	}
	o.setup(pr, "process group %d stopped", pid)
	return StopResult{Stopped: true}, nil
}

// GetSetupLogs returns the PR's log lines, oldest first; empty for unknown PRs
func (o *Orchestrator) GetSetupLogs(pr int) []string {
	return o.sessions.Logs(pr)
}

// Sessions returns all sessions ordered by PR number
func (o *Orchestrator) Sessions() []*domain.PRSession {
	return o.sessions.List()
}

// Session returns one session
func (o *Orchestrator) Session(pr int) (*domain.PRSession, error) {
	sess, ok := o.sessions.Get(pr)
	if !ok {
		return nil, domain.NotFoundf("no session for PR %d", pr)
	}
	return sess, nil
}

// Subscribe follows the PR's log
func (o *Orchestrator) Subscribe(pr int) ([]logbuf.Line, <-chan logbuf.Line, func(), error) {
	return o.sessions.Subscribe(pr)
}

// Reap forgets a terminal session once its output drain has finished. The
// workspace directory is left untouched.
func (o *Orchestrator) Reap(ctx context.Context, pr int) error {
	unlock, err := o.sessions.Lock(ctx, pr)
	if err != nil {
		return err
	}
	defer unlock()

	sess, ok := o.sessions.Get(pr)
	if !ok {
		return domain.NotFoundf("no session for PR %d", pr)
	}
	if !sess.State.IsTerminal() {
		return domain.Conflictf("PR %d is %s; stop it before reaping", pr, sess.State)
	}

	o.watchMu.Lock()
	done := o.watching[pr]
	o.watchMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.sessions.Remove(pr); err != nil {
		return err
	}
	o.watchMu.Lock()
	if o.watching[pr] == done {
		delete(o.watching, pr)
	}
	o.watchMu.Unlock()
	o.log.Info("session reaped", "pr", pr, "dir", sess.TempDir)
	return nil
}

// ReapExpired reaps terminal sessions that finished more than ttl ago and
// returns their PR numbers
func (o *Orchestrator) ReapExpired(ctx context.Context, ttl time.Duration) ([]int, error) {
	cutoff := time.Now().Add(-ttl)
	var reaped []int
	for _, s := range o.sessions.List() {
		if !s.State.IsTerminal() || s.FinishedAt == nil || s.FinishedAt.After(cutoff) {
			continue
		}
		if err := o.Reap(ctx, s.PRNumber); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				continue // replaced or reaped meanwhile
			}
			return reaped, err
		}
		reaped = append(reaped, s.PRNumber)
	}
	return reaped, nil
}

// CleanupWorkspace deletes the directory of a terminal session. tempDir must
// name the session's directory, which must lie under the workspace root.
func (o *Orchestrator) CleanupWorkspace(ctx context.Context, pr int, tempDir string) error {
	if tempDir == "" {
		return domain.Required("tempDir")
	}
	unlock, err := o.sessions.Lock(ctx, pr)
	if err != nil {
		return err
	}
	defer unlock()

	sess, ok := o.sessions.Get(pr)
	if !ok {
		return domain.NotFoundf("no session for PR %d", pr)
	}
	if !sameDir(sess.TempDir, tempDir) {
		return domain.Conflictf("PR %d lives in %s, not %s", pr, sess.TempDir, tempDir)
	}
	if !sess.State.IsTerminal() {
		return domain.Conflictf("PR %d is %s; stop it before cleaning up", pr, sess.State)
	}
	if !within(o.cfg.WorkspaceRoot, sess.TempDir) {
		return &domain.ValidationError{Field: "tempDir", Reason: fmt.Sprintf("%s is outside the workspace root", sess.TempDir)}
	}
	if err := os.RemoveAll(sess.TempDir); err != nil {
		return fmt.Errorf("removing %s: %w", sess.TempDir, err)
	}
	o.setup(pr, "removed workspace %s", sess.TempDir)
	o.log.Info("workspace removed", "pr", pr, "dir", sess.TempDir)
	return nil
}

// WorkspaceRemoved records that dir disappeared from disk. A session that was
// prepared but not started can no longer start and is failed.
func (o *Orchestrator) WorkspaceRemoved(dir string) {
	for _, s := range o.sessions.List() {
		if !sameDir(s.TempDir, dir) {
			continue
		}
		o.setup(s.PRNumber, "workspace %s was removed", dir)
		unlock, err := o.sessions.Lock(context.Background(), s.PRNumber)
		if err != nil {
			return
		}
		if cur, ok := o.sessions.Get(s.PRNumber); ok && cur.RunID == s.RunID && cur.State.Startable() {
			o.fail(s.PRNumber, domain.NotFoundf("workspace %s was removed", dir))
		}
		unlock()
		return
	}
}

// Restore reloads persisted sessions after a restart. Running sessions whose
// process is still alive are adopted; interrupted operations become failed.
func (o *Orchestrator) Restore(ctx context.Context) error {
	restored, err := o.sessions.Restore()
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	for _, sess := range restored {
		pr := sess.PRNumber
		switch {
		case sess.State.IsTerminal():
			continue
		case sess.State.HasProcess():
			proc, err := o.procs.Adopt(sess.ProcessID, sess.TempDir)
			if err != nil {
				o.log.Warn("not adopting preview process after restart", "pr", pr, "pid", sess.ProcessID, "error", err)
				o.fail(pr, fmt.Errorf("%w: process %d not adopted after restart: %v", domain.ErrProcess, sess.ProcessID, err))
				continue
			}
			o.setup(pr, "daemon restarted, adopted process %d", sess.ProcessID)
			if sess.State == domain.StateStopping {
				// The previous daemon died mid-stop; finish the job.
				if _, err := o.StopApp(ctx, pr, sess.ProcessID, sess.TempDir); err != nil {
					o.log.Warn("finishing interrupted stop", "pr", pr, "error", err)
				}
				continue
			}
			o.watch(pr, sess.RunID, proc)
			o.log.Info("preview adopted", "pr", pr, "pid", sess.ProcessID)
		default:
			o.fail(pr, fmt.Errorf("interrupted by daemon restart while %s", sess.State))
		}
	}
	o.log.Info("sessions restored", "count", len(restored))
	return nil
}

// Shutdown releases the orchestrator. Running previews are left alone unless
// StopOnShutdown is set, in which case they are stopped concurrently.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var errs []error
	if o.cfg.StopOnShutdown {
		// Not WithContext: one failed stop must not cancel the others.
		var g errgroup.Group
		for _, s := range o.sessions.List() {
			if !s.State.HasProcess() {
				continue
			}
			g.Go(func() error {
				if _, err := o.StopApp(ctx, s.PRNumber, s.ProcessID, s.TempDir); err != nil {
					return fmt.Errorf("stopping PR %d: %w", s.PRNumber, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	o.quitOnce.Do(func() { close(o.quit) })
	o.watchers.Wait()
	if err := o.procs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) transition(pr int, to domain.SessionState) error {
	_, err := o.sessions.Update(pr, func(s *domain.PRSession) error { return s.Transition(to) })
	return err
}

// fail records err on the session and returns it, with the session snapshot
func (o *Orchestrator) fail(pr int, err error) (*domain.PRSession, error) {
	sess, uerr := o.sessions.Update(pr, func(s *domain.PRSession) error {
		s.Fail(err)
		return nil
	})
	o.setup(pr, "error: %v", err)
	o.log.Warn("PR session failed", "pr", pr, "error", err)
	if uerr == nil {
		o.notify(notify.Notification{
			Title:     "Preview failed",
			Message:   err.Error(),
			Type:      notify.NotifyError,
			PRNumber:  pr,
			Branch:    sess.Branch,
			State:     string(sess.State),
			PID:       sess.LastProcessID,
			Workspace: sess.TempDir,
		})
	}
	return sess, err
}

func (o *Orchestrator) setup(pr int, format string, args ...any) {
	o.sessions.AppendLog(pr, logbuf.StreamSetup, fmt.Sprintf(format, args...))
}

// output copies a git or setup command's output into the session log
func (o *Orchestrator) output(pr int, res *runner.Result) {
	if res == nil {
		return
	}
	for _, stream := range []struct {
		name logbuf.Stream
		text string
	}{{logbuf.StreamStdout, res.Stdout}, {logbuf.StreamStderr, res.Stderr}} {
		for _, line := range strings.Split(strings.TrimRight(stream.text, "\n"), "\n") {
			if line = strings.TrimRight(line, "\r"); line != "" {
				o.sessions.AppendLog(pr, stream.name, line)
			}
		}
	}
}

func (o *Orchestrator) notify(n notify.Notification) {
	go func() {
		if err := o.notifier.Send(n); err != nil {
			o.log.Debug("notification failed", "title", n.Title, "error", err)
		}
	}()
}

func sameDir(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// within reports whether path lies strictly below root
func within(root, path string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
