//go:build unix

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/gitops"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/gittest"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/manifest"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/session"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLiveServer(t *testing.T) (*httptest.Server, *gittest.Repo) {
	t.Helper()
	log := discard()
	run := runner.New(log)
	git := gitops.New(run, log)
	reg := session.New(log)
	procs := supervisor.New(log, supervisor.WithGrace(time.Second))
	o := orchestrator.New(orchestrator.Config{
		WorkspaceRoot: t.TempDir(),
		BuildTimeout:  30 * time.Second,
		App: manifest.Defaults{
			Start: []string{"sh", "-c", `echo "listening on :3000"; sleep 60 & wait`},
		},
	}, reg, git, run, procs, log)

	srv := httptest.NewServer(NewServer(o, git, run, ":0", log).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range o.Sessions() {
			if s.State.HasProcess() {
				_, _ = o.StopApp(ctx, s.PRNumber, s.ProcessID, s.TempDir)
			}
		}
		_ = o.Shutdown(ctx)
		reg.Close()
	})
	return srv, gittest.NewRepo(t, "feature/x")
}

func post(t *testing.T, srv *httptest.Server, path string, body any) (int, Response) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func field(t *testing.T, resp Response, key string) any {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return data[key]
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv, repo := newLiveServer(t)

	code, resp := post(t, srv, "/api/pr/clone", CloneRequest{PRNumber: 101, Branch: "feature/x", RepoURL: repo.URL, RepoName: "repo"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	tempDir, _ := field(t, resp, "tempDir").(string)
	require.NotEmpty(t, tempDir)

	code, resp = post(t, srv, "/api/pr/start", StartRequest{PRNumber: 101, TempDir: tempDir})
	require.Equal(t, http.StatusOK, code, resp.Message)
	pid := int(field(t, resp, "processId").(float64))
	require.Positive(t, pid)

	// Follow the log until the readiness line shows up
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/pr/logs/stream?prNumber=101"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var line logbuf.Line
		require.NoError(t, conn.ReadJSON(&line))
		if strings.Contains(line.Text, "listening on") {
			assert.Equal(t, logbuf.StreamStdout, line.Stream)
			break
		}
	}

	code, resp = post(t, srv, "/api/pr/logs", LogsRequest{PRNumber: 101})
	require.Equal(t, http.StatusOK, code)
	logs, _ := field(t, resp, "logs").([]any)
	assert.NotEmpty(t, logs)

	code, resp = post(t, srv, "/api/pr/stop", StopRequest{PRNumber: 101, PID: pid, TempDir: tempDir})
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, true, field(t, resp, "stopped"))
	assert.False(t, supervisor.ProcessAlive(pid))

	// Second stop is a no-op
	code, resp = post(t, srv, "/api/pr/stop", StopRequest{PRNumber: 101, PID: pid, TempDir: tempDir})
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, true, field(t, resp, "notFound"))
}

func TestCloneConflictOverHTTP(t *testing.T) {
	srv, repo := newLiveServer(t)
	req := CloneRequest{PRNumber: 7, Branch: "feature/x", RepoURL: repo.URL, RepoName: "repo"}

	code, _ := post(t, srv, "/api/pr/clone", req)
	require.Equal(t, http.StatusOK, code)

	code, resp := post(t, srv, "/api/pr/clone", req)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
}

func TestCloneUnknownBranchOverHTTP(t *testing.T) {
	srv, repo := newLiveServer(t)

	code, resp := post(t, srv, "/api/pr/clone", CloneRequest{PRNumber: 8, Branch: "nope", RepoURL: repo.URL, RepoName: "repo"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "failed", field(t, resp, "state"))
}
