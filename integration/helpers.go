//go:build integration

package integration

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// moduleRoot returns the repository root
func moduleRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Dir(filepath.Dir(filename))
}

// binaryPath builds the CLI into a temp dir once per test binary
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "pr-preview-bin")
		if err != nil {
			buildErr = err
			return
		}
		builtBinary = filepath.Join(dir, "pr-preview")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/pr-preview")
		cmd.Dir = moduleRoot(t)
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("%v\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v", buildErr)
	}
	return builtBinary
}

// freePort asks the kernel for an unused TCP port
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// writeConfig creates a config file whose workspace and database live in a
// temp dir
func writeConfig(t *testing.T, port int, startCommand string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	config := fmt.Sprintf(`[general]
workspace_root = %q
database_path = %q

[git]
clone_retries = 0

[app]
start_command = ["sh", "-c", %q]
grace_period = "2s"

[web]
host = "127.0.0.1"
port = %d

[reaper]
schedule = ""

[logging]
level = "debug"
`, filepath.Join(dir, "workspaces"), filepath.Join(dir, "sessions.db"), startCommand, port)

	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// startServer runs `pr-preview serve` until the test ends
func startServer(t *testing.T, binary, configPath string, port int) {
	t.Helper()
	cmd := exec.Command(binary, "--config", configPath, "serve")
	var logs strings.Builder
	cmd.Stdout = &logs
	cmd.Stderr = &logs
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			cmd.Process.Kill()
			<-done
		}
		if t.Failed() {
			t.Logf("server output:\n%s", logs.String())
		}
	})

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not become healthy:\n%s", logs.String())
}
