// Package gitops implements the git primitives used to prepare a PR
// workspace: directory creation, clone, checkout, remote setup and fetch.
// Every operation is one or two git invocations; none of them retries.
// IsTransient tells callers which failures a retry could fix.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
)

// DefaultTimeout bounds a single git invocation
const DefaultTimeout = 5 * time.Minute

// Runner is the subset of runner.Runner that gitops needs
type Runner interface {
	Run(ctx context.Context, c runner.Command) (*runner.Result, error)
}

// Error is a git command that ran and exited non-zero
type Error struct {
	Op     string
	Result *runner.Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %s: exit status %d", e.Op, e.Result.Output(), e.Result.ExitCode)
}

func (e *Error) Unwrap() error { return domain.ErrGit }

// transportFailures are messages git and curl print when the connection to
// the remote failed, as opposed to the remote rejecting the request
var transportFailures = []string{
	"could not resolve host",
	"connection timed out",
	"connection refused",
	"connection reset",
	"operation timed out",
	"the remote end hung up unexpectedly",
	"early eof",
	"rpc failed",
	"temporary failure in name resolution",
	"gnutls_handshake() failed",
	"the requested url returned error: 502",
	"the requested url returned error: 503",
	"the requested url returned error: 504",
}

// Transient reports whether the command failed in transport. A missing
// branch or repository, bad credentials and the like are not transient.
func (e *Error) Transient() bool {
	if e.Result == nil {
		return false
	}
	out := strings.ToLower(e.Result.Stderr + "\n" + e.Result.Stdout)
	for _, marker := range transportFailures {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a git Error that failed in transport
func IsTransient(err error) bool {
	var gitErr *Error
	return errors.As(err, &gitErr) && gitErr.Transient()
}

// Manager runs git operations
type Manager struct {
	run     Runner
	log     *slog.Logger
	timeout time.Duration
	depth   int
}

// Option configures a Manager
type Option func(*Manager)

// WithTimeout sets the per-command timeout
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithCloneDepth makes clones shallow; 0 clones full history
func WithCloneDepth(depth int) Option {
	return func(m *Manager) { m.depth = depth }
}

// New creates a Manager
func New(run Runner, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{run: run, log: log, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// git runs one git command and turns a non-zero exit into *Error
func (m *Manager) git(ctx context.Context, op, dir string, args ...string) (*runner.Result, error) {
	res, err := m.run.Run(ctx, runner.Command{
		Name:    "git",
		Args:    args,
		Dir:     dir,
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
		Timeout: m.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", op, err)
	}
	if !res.Success() {
		return res, &Error{Op: op, Result: res}
	}
	return res, nil
}

// probe runs a git command whose exit code is the answer
func (m *Manager) probe(ctx context.Context, dir string, args ...string) (bool, error) {
	res, err := m.run.Run(ctx, runner.Command{Name: "git", Args: args, Dir: dir, Timeout: m.timeout})
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// CreateDirectory creates path and any missing parents. It is idempotent for
// existing directories and fails if path exists as something else.
func (m *Manager) CreateDirectory(path string) error {
	if err := ValidatePath("path", path); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return domain.Conflictf("%s exists and is not a directory", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	m.log.Debug("directory ready", "path", path)
	return nil
}

// CloneRepository clones repoURL into dest. With a branch, only that branch
// is fetched (--single-branch), so the default branch is never transferred.
func (m *Manager) CloneRepository(ctx context.Context, repoURL, dest, branch string) (*runner.Result, error) {
	if err := ValidateRepoURL("repoUrl", repoURL); err != nil {
		return nil, err
	}
	if err := ValidatePath("destination", dest); err != nil {
		return nil, err
	}
	args := []string{"clone", "--no-tags"}
	if branch != "" {
		if err := ValidateRef("branch", branch); err != nil {
			return nil, err
		}
		args = append(args, "--single-branch", "--branch", branch)
	}
	if m.depth > 0 {
		args = append(args, "--depth", strconv.Itoa(m.depth))
	}
	args = append(args, "--", repoURL, dest)

	m.log.Info("cloning repository", "repo", repoURL, "dest", dest, "branch", branch)
	return m.git(ctx, "clone", "", args...)
}

// IsWorkspace reports whether dir is inside a git work tree
func (m *Manager) IsWorkspace(ctx context.Context, dir string) (bool, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false, nil
	}
	return m.probe(ctx, dir, "rev-parse", "--is-inside-work-tree")
}

func (m *Manager) requireWorkspace(ctx context.Context, dir string) error {
	if err := ValidatePath("directory", dir); err != nil {
		return err
	}
	ok, err := m.IsWorkspace(ctx, dir)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.ValidationError{Field: "directory", Reason: fmt.Sprintf("%s is not a git workspace", dir)}
	}
	return nil
}

// CheckoutBranch switches dir to branch, creating it from startPoint (or
// HEAD) when no local branch of that name exists.
func (m *Manager) CheckoutBranch(ctx context.Context, dir, branch, startPoint string) (*runner.Result, error) {
	if err := ValidateRef("branchName", branch); err != nil {
		return nil, err
	}
	if startPoint != "" {
		if err := ValidateRef("startPoint", startPoint); err != nil {
			return nil, err
		}
	}
	if err := m.requireWorkspace(ctx, dir); err != nil {
		return nil, err
	}

	exists, err := m.probe(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return nil, fmt.Errorf("git rev-parse: %w", err)
	}
	if exists {
		m.log.Debug("switching branch", "dir", dir, "branch", branch)
		return m.git(ctx, "checkout", dir, "checkout", branch, "--")
	}

	args := []string{"checkout", "-b", branch}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	m.log.Debug("creating branch", "dir", dir, "branch", branch, "start_point", startPoint)
	return m.git(ctx, "checkout", dir, args...)
}

// RemoteURL returns the configured URL of remote, or ErrNotFound
func (m *Manager) RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	res, err := m.git(ctx, "remote get-url", dir, "remote", "get-url", remote)
	if err != nil {
		var gitErr *Error
		if errors.As(err, &gitErr) {
			return "", domain.NotFoundf("remote %q in %s", remote, dir)
		}
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SetupRemote adds remote, or points it at url if it already exists
func (m *Manager) SetupRemote(ctx context.Context, dir, remote, url string) (*runner.Result, error) {
	if err := ValidateRemoteName(remote); err != nil {
		return nil, err
	}
	if err := ValidateRepoURL("remoteUrl", url); err != nil {
		return nil, err
	}
	if err := m.requireWorkspace(ctx, dir); err != nil {
		return nil, err
	}

	current, err := m.RemoteURL(ctx, dir, remote)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m.log.Debug("adding remote", "dir", dir, "remote", remote, "url", url)
		return m.git(ctx, "remote add", dir, "remote", "add", remote, url)
	case err != nil:
		return nil, err
	case current == url:
		return &runner.Result{Command: "git remote get-url " + remote, Stdout: current + "\n"}, nil
	default:
		m.log.Debug("updating remote", "dir", dir, "remote", remote, "url", url, "previous", current)
		return m.git(ctx, "remote set-url", dir, "remote", "set-url", remote, url)
	}
}

// FetchBranch fetches exactly branch from remote and updates the matching
// remote-tracking ref.
func (m *Manager) FetchBranch(ctx context.Context, dir, remote, branch string) (*runner.Result, error) {
	if err := ValidateRemoteName(remote); err != nil {
		return nil, err
	}
	if err := ValidateRef("branchName", branch); err != nil {
		return nil, err
	}
	if err := m.requireWorkspace(ctx, dir); err != nil {
		return nil, err
	}
	if _, err := m.RemoteURL(ctx, dir, remote); err != nil {
		return nil, err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch)
	m.log.Debug("fetching branch", "dir", dir, "remote", remote, "branch", branch)
	return m.git(ctx, "fetch", dir, "fetch", "--no-tags", remote, refspec)
}

// HeadCommit returns the abbreviated commit checked out in dir
func (m *Manager) HeadCommit(ctx context.Context, dir string) (string, error) {
	res, err := m.git(ctx, "rev-parse", dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
