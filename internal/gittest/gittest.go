// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo is a bare repository reachable via a local path
type Repo struct {
	URL  string // path of the bare repository, usable as a clone URL
	work string
}

// Git runs git in dir and fails the test on error
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	args = append([]string{"-c", "user.email=test@test.com", "-c", "user.name=Test", "-c", "init.defaultBranch=main"}, args...)
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

// NewRepo creates a bare repository with a main branch holding README.md and
// one extra branch per name in branches, each with its own commit.
func NewRepo(t testing.TB, branches ...string) *Repo {
	t.Helper()
	root := t.TempDir()
	work := filepath.Join(root, "work")
	bare := filepath.Join(root, "remote.git")

	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	Git(t, work, "init")
	WriteFile(t, work, "README.md", "# Test\n")
	Git(t, work, "add", ".")
	Git(t, work, "commit", "-m", "Initial commit")
	Git(t, work, "branch", "-M", "main")

	for _, b := range branches {
		Git(t, work, "checkout", "-b", b, "main")
		WriteFile(t, work, "BRANCH", b+"\n")
		Git(t, work, "add", ".")
		Git(t, work, "commit", "-m", "Work on "+b)
	}
	Git(t, work, "checkout", "main")

	Git(t, root, "clone", "--bare", work, bare)
	return &Repo{URL: bare, work: work}
}

// Commit adds a commit to branch and pushes it to the bare repository
func (r *Repo) Commit(t testing.TB, branch, file, content string) {
	t.Helper()
	Git(t, r.work, "checkout", branch)
	WriteFile(t, r.work, file, content)
	Git(t, r.work, "add", ".")
	Git(t, r.work, "commit", "-m", "Update "+file)
	Git(t, r.work, "push", r.URL, branch)
	Git(t, r.work, "checkout", "main")
}

// WriteFile writes content to dir/name, creating parents
func WriteFile(t testing.TB, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
