//go:build unix

package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/config"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/gitops"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/gittest"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/manifest"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/notify"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/session"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/sessionstore"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// devServer prints a readiness line and forks two children, like a dev
// server that spawns a watcher and a build step
const devServer = `echo "listening on :$PORT"; sleep 60 & sleep 60 & wait`

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		out = append(out, n.Title)
	}
	return out
}

type fixture struct {
	o        *Orchestrator
	sessions *session.Registry
	procs    *supervisor.Supervisor
	notes    *recordingNotifier
	root     string
	repo     *gittest.Repo
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, configure ...func(*Config, *[]session.Option)) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		WorkspaceRoot: root,
		CloneRetries:  0,
		RetryDelay:    10 * time.Millisecond,
		BuildTimeout:  30 * time.Second,
		App: manifest.Defaults{
			Start: []string{"sh", "-c", devServer},
			Env:   map[string]string{"PORT": "3000"},
		},
	}
	var regOpts []session.Option
	for _, c := range configure {
		c(&cfg, &regOpts)
	}

	log := discard()
	run := runner.New(log)
	reg := session.New(log, regOpts...)
	procs := supervisor.New(log, supervisor.WithGrace(time.Second))
	notes := &recordingNotifier{}
	o := New(cfg, reg, gitops.New(run, log), run, procs, log, WithNotifier(notes))

	f := &fixture{o: o, sessions: reg, procs: procs, notes: notes, root: root, repo: gittest.NewRepo(t, "feature/x", "feature/y")}
	t.Cleanup(func() {
		for _, s := range reg.List() {
			if s.State.HasProcess() {
				_, _ = o.StopApp(context.Background(), s.PRNumber, s.ProcessID, s.TempDir)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
		reg.Close()
	})
	return f
}

func (f *fixture) clone(t *testing.T, pr int, branch string) *domain.PRSession {
	t.Helper()
	sess, err := f.o.ClonePR(context.Background(), ClonePRRequest{PRNumber: pr, Branch: branch, RepoURL: f.repo.URL, RepoName: "repo"})
	require.NoError(t, err)
	return sess
}

func logsContain(logs []string, text string) bool {
	for _, l := range logs {
		if strings.Contains(l, text) {
			return true
		}
	}
	return false
}

func TestExampleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.clone(t, 101, "feature/x")
	assert.Equal(t, domain.StateFetched, sess.State)
	assert.True(t, strings.HasPrefix(sess.TempDir, f.root+string(filepath.Separator)))
	assert.Contains(t, filepath.Base(sess.TempDir), "repo-pr-101-")
	branchFile, err := os.ReadFile(filepath.Join(sess.TempDir, "BRANCH"))
	require.NoError(t, err)
	assert.Equal(t, "feature/x\n", string(branchFile))
	assert.Equal(t, "feature/x", gittest.Git(t, sess.TempDir, "rev-parse", "--abbrev-ref", "HEAD"))

	pid, err := f.o.StartApp(ctx, 101, sess.TempDir)
	require.NoError(t, err)
	assert.Positive(t, pid)

	running, err := f.o.Session(101)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, running.State)
	assert.Equal(t, pid, running.ProcessID)

	require.Eventually(t, func() bool {
		return logsContain(f.o.GetSetupLogs(101), "listening on :3000")
	}, 5*time.Second, 20*time.Millisecond)

	var kids []int
	require.Eventually(t, func() bool {
		kids, _ = supervisor.Descendants(pid)
		return len(kids) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	res, err := f.o.StopApp(ctx, 101, pid, sess.TempDir)
	require.NoError(t, err)
	assert.Equal(t, StopResult{Stopped: true}, res)

	assert.False(t, supervisor.ProcessAlive(pid))
	for _, k := range kids {
		assert.False(t, supervisor.ProcessAlive(k), "child %d of the dev server survived", k)
	}

	stopped, _ := f.o.Session(101)
	assert.Equal(t, domain.StateStopped, stopped.State)
	assert.Zero(t, stopped.ProcessID)
	assert.Equal(t, pid, stopped.LastProcessID)
	assert.Contains(t, f.notes.titles(), "Preview running")
}

func TestStopApp_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.clone(t, 1, "feature/x")
	pid, err := f.o.StartApp(ctx, 1, sess.TempDir)
	require.NoError(t, err)

	first, err := f.o.StopApp(ctx, 1, pid, sess.TempDir)
	require.NoError(t, err)
	assert.True(t, first.Stopped)

	second, err := f.o.StopApp(ctx, 1, pid, sess.TempDir)
	require.NoError(t, err, "a repeated stop is not an error")
	assert.Equal(t, StopResult{NotFound: true}, second)
	assert.Equal(t, 0, f.procs.Running())
}

func TestStopApp_Mismatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.clone(t, 1, "feature/x")
	pid, err := f.o.StartApp(ctx, 1, sess.TempDir)
	require.NoError(t, err)

	_, err = f.o.StopApp(ctx, 1, pid+100000, sess.TempDir)
	assert.ErrorIs(t, err, domain.ErrConflict, "stale pid")

	_, err = f.o.StopApp(ctx, 1, pid, t.TempDir())
	assert.ErrorIs(t, err, domain.ErrConflict, "wrong directory")

	_, err = f.o.StopApp(ctx, 2, pid, sess.TempDir)
	assert.ErrorIs(t, err, domain.ErrNotFound, "unknown PR")

	_, err = f.o.StopApp(ctx, 1, 0, sess.TempDir)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.True(t, supervisor.ProcessAlive(pid), "rejected stops must not touch the process")
	cur, _ := f.o.Session(1)
	assert.Equal(t, domain.StateRunning, cur.State)
}

func TestStartApp_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.StartApp(ctx, 5, filepath.Join(f.root, "nothing"))
	assert.ErrorIs(t, err, domain.ErrConflict, "start before clone")
	assert.Equal(t, 0, f.procs.Running(), "nothing started")

	sess := f.clone(t, 5, "feature/x")
	_, err = f.o.StartApp(ctx, 5, t.TempDir())
	assert.ErrorIs(t, err, domain.ErrConflict, "directory mismatch")

	pid, err := f.o.StartApp(ctx, 5, sess.TempDir)
	require.NoError(t, err)

	_, err = f.o.StartApp(ctx, 5, sess.TempDir)
	assert.ErrorIs(t, err, domain.ErrConflict, "already running")

	_, err = f.o.StopApp(ctx, 5, pid, sess.TempDir)
	require.NoError(t, err)
	_, err = f.o.StartApp(ctx, 5, sess.TempDir)
	assert.ErrorIs(t, err, domain.ErrConflict, "stopped sessions need a new clone")
}

func TestClonePR_RejectsActiveSession(t *testing.T) {
	f := newFixture(t)
	f.clone(t, 1, "feature/x")

	_, err := f.o.ClonePR(context.Background(), ClonePRRequest{PRNumber: 1, Branch: "feature/y", RepoURL: f.repo.URL, RepoName: "repo"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestClonePR_ReplacesTerminalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.clone(t, 1, "feature/x")
	pid, err := f.o.StartApp(ctx, 1, first.TempDir)
	require.NoError(t, err)
	_, err = f.o.StopApp(ctx, 1, pid, first.TempDir)
	require.NoError(t, err)

	second := f.clone(t, 1, "feature/y")
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEqual(t, first.TempDir, second.TempDir)
	assert.DirExists(t, first.TempDir, "the previous workspace is never deleted implicitly")
	assert.False(t, logsContain(f.o.GetSetupLogs(1), "stopping process"), "new run starts a new log")
}

func TestClonePR_FailureLeavesFailedSession(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) { c.CloneRetries = 2 })

	sess, err := f.o.ClonePR(context.Background(), ClonePRRequest{PRNumber: 9, Branch: "no-such-branch", RepoURL: f.repo.URL, RepoName: "repo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGit)
	require.NotNil(t, sess)
	assert.Equal(t, domain.StateFailed, sess.State)
	assert.NotEmpty(t, sess.LastError)

	logs := f.o.GetSetupLogs(9)
	assert.False(t, logsContain(logs, "retrying clone"), "a missing branch is not retried")
	assert.True(t, logsContain(logs, "error:"))
	assert.DirExists(t, sess.TempDir, "no rollback")

	assert.Eventually(t, func() bool {
		for _, title := range f.notes.titles() {
			if title == "Preview failed" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// A failed session can be retried with a new clone.
	retried := f.clone(t, 9, "feature/x")
	assert.Equal(t, domain.StateFetched, retried.State)
}

// flakyGit fails the first clones with a transport error
type flakyGit struct {
	Git
	mu       sync.Mutex
	failures int
	calls    int
}

func (g *flakyGit) CloneRepository(ctx context.Context, repoURL, dest, branch string) (*runner.Result, error) {
	g.mu.Lock()
	g.calls++
	fail := g.calls <= g.failures
	g.mu.Unlock()
	if fail {
		res := &runner.Result{Command: "git clone", ExitCode: 128, Stderr: "fatal: unable to access '" + repoURL + "': Could not resolve host: example.com"}
		return res, &gitops.Error{Op: "clone", Result: res}
	}
	return g.Git.CloneRepository(ctx, repoURL, dest, branch)
}

func (g *flakyGit) cloneCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestClonePR_RetriesTransportFailure(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) { c.CloneRetries = 2 })
	flaky := &flakyGit{Git: f.o.git, failures: 1}
	f.o.git = flaky

	sess := f.clone(t, 3, "feature/x")
	assert.Equal(t, domain.StateFetched, sess.State)
	assert.Equal(t, 2, flaky.cloneCalls())
	assert.True(t, logsContain(f.o.GetSetupLogs(3), "retrying clone (attempt 2)"))
}

func TestClonePR_DefaultConfigDoesNotRetry(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) { c.CloneRetries = config.Default().Git.CloneRetries })
	flaky := &flakyGit{Git: f.o.git, failures: 1}
	f.o.git = flaky

	sess, err := f.o.ClonePR(context.Background(), ClonePRRequest{PRNumber: 4, Branch: "feature/x", RepoURL: f.repo.URL, RepoName: "repo"})
	assert.ErrorIs(t, err, domain.ErrGit)
	require.NotNil(t, sess)
	assert.Equal(t, domain.StateFailed, sess.State)
	assert.Equal(t, 1, flaky.cloneCalls())
	assert.False(t, logsContain(f.o.GetSetupLogs(4), "retrying clone"))
	assert.DirExists(t, sess.TempDir)
}

func TestClonePR_ValidationBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []ClonePRRequest{
		{PRNumber: 0, Branch: "feature/x", RepoURL: f.repo.URL, RepoName: "repo"},
		{PRNumber: 1, Branch: "-x", RepoURL: f.repo.URL, RepoName: "repo"},
		{PRNumber: 1, Branch: "feature/x", RepoURL: "ext::sh -c touch% /tmp/pwned", RepoName: "repo"},
		{PRNumber: 1, Branch: "feature/x", RepoURL: f.repo.URL, RepoName: "../escape"},
		{PRNumber: 1, Branch: "feature/x", RepoURL: f.repo.URL, RepoName: ""},
	} {
		_, err := f.o.ClonePR(ctx, req)
		assert.ErrorIs(t, err, domain.ErrValidation, "%+v", req)
	}

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, f.o.Sessions())
}

func TestGetSetupLogs_UnknownPR(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{}, f.o.GetSetupLogs(404))
}

func TestConcurrentDistinctPRs(t *testing.T) {
	f := newFixture(t)
	prs := []int{11, 12, 13}
	pids := make([]int, len(prs))

	g, ctx := errgroup.WithContext(context.Background())
	for i, pr := range prs {
		g.Go(func() error {
			sess, err := f.o.ClonePR(ctx, ClonePRRequest{PRNumber: pr, Branch: "feature/x", RepoURL: f.repo.URL, RepoName: "repo"})
			if err != nil {
				return err
			}
			pids[i], err = f.o.StartApp(ctx, pr, sess.TempDir)
			return err
		})
	}
	require.NoError(t, g.Wait())

	dirs := map[string]bool{}
	for i, pr := range prs {
		sess, err := f.o.Session(pr)
		require.NoError(t, err)
		assert.Equal(t, domain.StateRunning, sess.State)
		assert.Equal(t, pids[i], sess.ProcessID)
		dirs[sess.TempDir] = true
	}
	assert.Len(t, dirs, len(prs), "each PR gets its own workspace")

	g, ctx = errgroup.WithContext(context.Background())
	for i, pr := range prs {
		g.Go(func() error {
			sess, _ := f.o.Session(pr)
			_, err := f.o.StopApp(ctx, pr, pids[i], sess.TempDir)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, pid := range pids {
		assert.False(t, supervisor.ProcessAlive(pid))
	}
}

func TestSamePRSerialized(t *testing.T) {
	f := newFixture(t)
	var (
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.o.ClonePR(context.Background(), ClonePRRequest{PRNumber: 7, Branch: "feature/x", RepoURL: f.repo.URL, RepoName: "repo"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, domain.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, conflicts)
}

func TestUnexpectedExitFailsSession(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) {
		c.App.Start = []string{"sh", "-c", "echo listening on; exit 4"}
	})
	sess := f.clone(t, 3, "feature/x")
	pid, err := f.o.StartApp(context.Background(), 3, sess.TempDir)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, _ := f.o.Session(3)
		return cur.State == domain.StateFailed
	}, 5*time.Second, 20*time.Millisecond)

	cur, _ := f.o.Session(3)
	assert.Contains(t, cur.LastError, "status 4")
	assert.Zero(t, cur.ProcessID)

	res, err := f.o.StopApp(context.Background(), 3, pid, sess.TempDir)
	require.NoError(t, err)
	assert.True(t, res.NotFound, "an exited process reports notFound")
}

func TestStartApp_ManifestSetupAndStart(t *testing.T) {
	f := newFixture(t)
	f.repo.Commit(t, "feature/x", ".pr-preview.yaml", `
setup:
  - [sh, -c, "echo built > built.txt"]
start: [sh, -c, "echo listening on $PR_NUMBER; sleep 60"]
`)
	sess := f.clone(t, 21, "feature/x")
	pid, err := f.o.StartApp(context.Background(), 21, sess.TempDir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(sess.TempDir, "built.txt"))
	require.Eventually(t, func() bool {
		return logsContain(f.o.GetSetupLogs(21), "listening on 21")
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, logsContain(f.o.GetSetupLogs(21), "using .pr-preview.yaml"))

	_, err = f.o.StopApp(context.Background(), 21, pid, sess.TempDir)
	require.NoError(t, err)
}

func TestStartApp_SetupFailure(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) {
		c.App.Setup = [][]string{{"sh", "-c", "echo broken >&2; exit 2"}}
	})
	sess := f.clone(t, 22, "feature/x")

	_, err := f.o.StartApp(context.Background(), 22, sess.TempDir)
	assert.ErrorIs(t, err, domain.ErrProcess)

	cur, _ := f.o.Session(22)
	assert.Equal(t, domain.StateFailed, cur.State)
	assert.True(t, logsContain(f.o.GetSetupLogs(22), "broken"))
	assert.Equal(t, 0, f.procs.Running())
}

func TestMaxSessions(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) { c.MaxSessions = 1 })
	f.clone(t, 1, "feature/x")

	_, err := f.o.ClonePR(context.Background(), ClonePRRequest{PRNumber: 2, Branch: "feature/x", RepoURL: f.repo.URL, RepoName: "repo"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestReapAndCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.clone(t, 1, "feature/x")
	pid, err := f.o.StartApp(ctx, 1, sess.TempDir)
	require.NoError(t, err)

	assert.ErrorIs(t, f.o.Reap(ctx, 1), domain.ErrConflict)
	assert.ErrorIs(t, f.o.CleanupWorkspace(ctx, 1, sess.TempDir), domain.ErrConflict)

	_, err = f.o.StopApp(ctx, 1, pid, sess.TempDir)
	require.NoError(t, err)

	assert.ErrorIs(t, f.o.CleanupWorkspace(ctx, 1, t.TempDir()), domain.ErrConflict)
	require.NoError(t, f.o.CleanupWorkspace(ctx, 1, sess.TempDir))
	assert.NoDirExists(t, sess.TempDir)

	require.NoError(t, f.o.Reap(ctx, 1))
	_, err = f.o.Session(1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.o.Reap(ctx, 1), domain.ErrNotFound)
}

func TestReapExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clone(t, 1, "feature/x")
	_, err := f.o.ClonePR(ctx, ClonePRRequest{PRNumber: 2, Branch: "missing", RepoURL: f.repo.URL, RepoName: "repo"})
	require.Error(t, err)

	reaped, err := f.o.ReapExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, reaped, "only terminal sessions are reaped")
	assert.Len(t, f.o.Sessions(), 1)
}

func TestWorkspaceRemoved(t *testing.T) {
	f := newFixture(t)
	sess := f.clone(t, 1, "feature/x")
	require.NoError(t, os.RemoveAll(sess.TempDir))

	f.o.WorkspaceRemoved(sess.TempDir)

	cur, _ := f.o.Session(1)
	assert.Equal(t, domain.StateFailed, cur.State)
	assert.True(t, logsContain(f.o.GetSetupLogs(1), "was removed"))
}

func TestShutdown_StopOnShutdown(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) { c.StopOnShutdown = true })
	sess := f.clone(t, 1, "feature/x")
	pid, err := f.o.StartApp(context.Background(), 1, sess.TempDir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))

	assert.False(t, supervisor.ProcessAlive(pid))
	cur, _ := f.o.Session(1)
	assert.Equal(t, domain.StateStopped, cur.State)
}

func TestRestore_AdoptsRunningProcess(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := sessionstore.Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, func(_ *Config, opts *[]session.Option) {
		*opts = append(*opts, session.WithStore(store))
	})
	sess := f.clone(t, 1, "feature/x")
	pid, err := f.o.StartApp(context.Background(), 1, sess.TempDir)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return logsContain(f.o.GetSetupLogs(1), "listening on")
	}, 5*time.Second, 20*time.Millisecond)

	// A session interrupted mid-clone by the crash.
	interrupted := domain.NewSession(2, "run-x", filepath.Join(f.root, "repo-pr-2-x"), f.repo.URL, "repo", "feature/y")
	require.NoError(t, interrupted.Transition(domain.StateCloning))
	require.NoError(t, store.SaveSession(interrupted))

	// Flush pending writes; the old daemon "dies" without stopping anything.
	f.sessions.Close()

	log := discard()
	run := runner.New(log)
	reg := session.New(log, session.WithStore(store))
	defer reg.Close()
	procs := supervisor.New(log, supervisor.WithGrace(time.Second))
	restarted := New(Config{WorkspaceRoot: f.root}, reg, gitops.New(run, log), run, procs, log)
	defer restarted.Shutdown(context.Background())

	require.NoError(t, restarted.Restore(context.Background()))

	cur, err := restarted.Session(1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, cur.State)
	assert.Equal(t, pid, cur.ProcessID)
	assert.True(t, logsContain(restarted.GetSetupLogs(1), "listening on"), "logs survive the restart")

	other, err := restarted.Session(2)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, other.State)

	res, err := restarted.StopApp(context.Background(), 1, pid, cur.TempDir)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Eventually(t, func() bool { return !supervisor.ProcessAlive(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/ws", "/ws/a"))
	assert.True(t, within("/ws/", "/ws/a/b"))
	assert.False(t, within("/ws", "/ws"))
	assert.False(t, within("/ws", "/other"))
	assert.False(t, within("/ws", "/ws/../etc"))
	assert.False(t, within("", "/ws/a"))
}

// stopFaults fails the stop of one PID after tearing it down, and delays the
// others so they are still in flight when that failure lands
type stopFaults struct {
	Processes
	failPID int
}

func (p *stopFaults) Stop(ctx context.Context, pid int, dir string) (supervisor.StopResult, error) {
	if pid == p.failPID {
		_, _ = p.Processes.Stop(ctx, pid, dir)
		return supervisor.NotFound, domain.ErrProcess
	}
	time.Sleep(200 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return supervisor.NotFound, err
	}
	return p.Processes.Stop(ctx, pid, dir)
}

func TestShutdown_OneFailedStopDoesNotCancelOthers(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *[]session.Option) { c.StopOnShutdown = true })
	ctx := context.Background()

	first := f.clone(t, 1, "feature/x")
	pid1, err := f.o.StartApp(ctx, 1, first.TempDir)
	require.NoError(t, err)
	second := f.clone(t, 2, "feature/y")
	pid2, err := f.o.StartApp(ctx, 2, second.TempDir)
	require.NoError(t, err)

	f.o.procs = &stopFaults{Processes: f.o.procs, failPID: pid1}

	err = f.o.Shutdown(ctx)
	assert.ErrorIs(t, err, domain.ErrProcess)

	cur, err := f.o.Session(2)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, cur.State, "second stop ran to completion")
	assert.False(t, supervisor.ProcessAlive(pid2))
	assert.Eventually(t, func() bool { return !supervisor.ProcessAlive(pid1) }, 2*time.Second, 20*time.Millisecond)
}
