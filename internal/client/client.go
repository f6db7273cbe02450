// Package client talks to a running pr-preview server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/observer"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
	"github.com/hochfrequenz/pr-preview-orchestrator/web/api"
)

// APIError is a reply with success=false
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Unwrap maps the status back to the error category the server reported
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return domain.ErrValidation
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusBadGateway:
		return domain.ErrGit
	case http.StatusGatewayTimeout:
		return domain.ErrTimeout
	}
	return nil
}

// Client is an API client
type Client struct {
	base string
	http *http.Client
}

// New creates a client for a server at base, e.g. "http://localhost:8090"
func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		// Clones and setup commands can take minutes
		http: &http.Client{Timeout: 30 * time.Minute},
	}
}

// do performs one request and decodes the envelope's data into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) (string, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env.Message, fmt.Errorf("decoding data: %w", err)
		}
	}
	if !env.Success {
		return env.Message, &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	return env.Message, nil
}

// Clone prepares a PR workspace. On a failed clone the returned session, if
// any, shows the failed state.
func (c *Client) Clone(ctx context.Context, req api.CloneRequest) (*api.SessionResponse, error) {
	var out api.SessionResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/pr/clone", req, &out); err != nil {
		if out.PRNumber != 0 {
			return &out, err
		}
		return nil, err
	}
	return &out, nil
}

// Start launches the PR's application and returns its process ID
func (c *Client) Start(ctx context.Context, pr int, tempDir string) (int, error) {
	var out api.StartResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/pr/start", api.StartRequest{PRNumber: pr, TempDir: tempDir}, &out); err != nil {
		return 0, err
	}
	return out.ProcessID, nil
}

// Stop stops the PR's application
func (c *Client) Stop(ctx context.Context, pr, pid int, tempDir string) (orchestrator.StopResult, error) {
	var out orchestrator.StopResult
	_, err := c.do(ctx, http.MethodPost, "/api/pr/stop", api.StopRequest{PRNumber: pr, PID: pid, TempDir: tempDir}, &out)
	return out, err
}

// Logs returns the PR's buffered log lines
func (c *Client) Logs(ctx context.Context, pr int) ([]string, error) {
	var out api.LogsResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/pr/logs?prNumber="+strconv.Itoa(pr), nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Sessions lists all sessions
func (c *Client) Sessions(ctx context.Context) ([]api.SessionResponse, error) {
	var out []api.SessionResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session fetches one session
func (c *Client) Session(ctx context.Context, pr int) (*api.SessionResponse, error) {
	var out api.SessionResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions/"+strconv.Itoa(pr), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reap forgets a terminal session
func (c *Client) Reap(ctx context.Context, pr int) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/sessions/"+strconv.Itoa(pr), nil, nil)
	return err
}

// Cleanup deletes a terminal session's workspace directory
func (c *Client) Cleanup(ctx context.Context, pr int, tempDir string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/pr/cleanup", api.CleanupRequest{PRNumber: pr, TempDir: tempDir}, nil)
	return err
}

// Metrics returns the server's session summary
func (c *Client) Metrics(ctx context.Context) (*observer.Metrics, error) {
	var out observer.Metrics
	if _, err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunCommand runs a shell command on the server. A non-zero exit is reported
// as an APIError alongside the captured result.
func (c *Client) RunCommand(ctx context.Context, req api.RunCommandRequest) (*runner.Result, error) {
	var out runner.Result
	_, err := c.do(ctx, http.MethodPost, "/api/run-command", req, &out)
	if err != nil && out.Command == "" {
		return nil, err
	}
	return &out, err
}

// Follow streams the PR's log lines to fn, starting with the buffered ones,
// until ctx is done or the server closes the stream
func (c *Client) Follow(ctx context.Context, pr int, fn func(logbuf.Line)) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/pr/logs/stream"
	u.RawQuery = url.Values{"prNumber": {strconv.Itoa(pr)}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("no log stream for PR %d", pr)}
		}
		return fmt.Errorf("connecting log stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var line logbuf.Line
		if err := conn.ReadJSON(&line); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading log stream: %w", err)
		}
		fn(line)
	}
}
