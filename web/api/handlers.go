package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/orchestrator"
)

// SessionResponse is the API view of a PR session
type SessionResponse struct {
	PRNumber      int     `json:"prNumber"`
	RunID         string  `json:"runId"`
	TempDir       string  `json:"tempDir"`
	RepoURL       string  `json:"repoUrl"`
	RepoName      string  `json:"repoName"`
	Branch        string  `json:"branch"`
	State         string  `json:"state"`
	ProcessID     int     `json:"processId,omitempty"`
	LastProcessID int     `json:"lastProcessId,omitempty"`
	LastError     string  `json:"lastError,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
	StartedAt     *string `json:"startedAt,omitempty"`
	FinishedAt    *string `json:"finishedAt,omitempty"`
	Uptime        string  `json:"uptime,omitempty"`
}

// CloneRequest is the body of POST /api/pr/clone
type CloneRequest struct {
	PRNumber int    `json:"prNumber"`
	Branch   string `json:"branch"`
	RepoURL  string `json:"repoUrl"`
	RepoName string `json:"repoName"`
}

// StartRequest is the body of POST /api/pr/start
type StartRequest struct {
	PRNumber int    `json:"prNumber"`
	TempDir  string `json:"tempDir"`
}

// StartResponse carries the started process
type StartResponse struct {
	ProcessID int `json:"processId"`
}

// StopRequest is the body of POST /api/pr/stop
type StopRequest struct {
	PRNumber int    `json:"prNumber"`
	PID      int    `json:"pid"`
	TempDir  string `json:"tempDir"`
}

// LogsRequest is the body of POST /api/pr/logs
type LogsRequest struct {
	PRNumber int `json:"prNumber"`
}

// LogsResponse holds formatted log lines, oldest first
type LogsResponse struct {
	Logs []string `json:"logs"`
}

// CleanupRequest is the body of POST /api/pr/cleanup
type CleanupRequest struct {
	PRNumber int    `json:"prNumber"`
	TempDir  string `json:"tempDir"`
}

func sessionToResponse(s *domain.PRSession) SessionResponse {
	resp := SessionResponse{
		PRNumber:      s.PRNumber,
		RunID:         s.RunID,
		TempDir:       s.TempDir,
		RepoURL:       s.RepoURL,
		RepoName:      s.RepoName,
		Branch:        s.Branch,
		State:         string(s.State),
		ProcessID:     s.ProcessID,
		LastProcessID: s.LastProcessID,
		LastError:     s.LastError,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
	}
	if s.StartedAt != nil {
		t := s.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
		resp.Uptime = s.Uptime().Round(time.Second).String()
	}
	if s.FinishedAt != nil {
		t := s.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

// decode reads a JSON body into v; a bad body is a validation error
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return &domain.ValidationError{Reason: "request body is required"}
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.ValidationError{Reason: "invalid JSON body: " + err.Error()}
	}
	return nil
}

func requirePR(pr int) error {
	if pr <= 0 {
		return domain.Required("prNumber")
	}
	return nil
}

// detach keeps lifecycle work going when the client hangs up mid-request
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, "ok", nil)
	}
}

func (s *Server) cloneHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CloneRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		sess, err := s.previews.ClonePR(detach(r), orchestrator.ClonePRRequest{
			PRNumber: req.PRNumber,
			Branch:   req.Branch,
			RepoURL:  req.RepoURL,
			RepoName: req.RepoName,
		})
		if err != nil {
			// A session that failed mid-clone is still worth showing
			var data any
			if sess != nil {
				data = sessionToResponse(sess)
			}
			writeFailure(w, err, data)
			return
		}
		writeOK(w, "workspace ready", sessionToResponse(sess))
	}
}

func (s *Server) startHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := requirePR(req.PRNumber); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if req.TempDir == "" {
			writeFailure(w, domain.Required("tempDir"), nil)
			return
		}
		pid, err := s.previews.StartApp(detach(r), req.PRNumber, req.TempDir)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, "application started", StartResponse{ProcessID: pid})
	}
}

func (s *Server) stopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StopRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := requirePR(req.PRNumber); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if req.PID <= 0 {
			writeFailure(w, domain.Required("pid"), nil)
			return
		}
		if req.TempDir == "" {
			writeFailure(w, domain.Required("tempDir"), nil)
			return
		}
		res, err := s.previews.StopApp(detach(r), req.PRNumber, req.PID, req.TempDir)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		msg := "application stopped"
		if res.NotFound {
			msg = "process not running"
		}
		writeOK(w, msg, res)
	}
}

func (s *Server) logsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pr int
		if r.Method == http.MethodGet {
			n, err := prFromQuery(r)
			if err != nil {
				writeFailure(w, err, nil)
				return
			}
			pr = n
		} else {
			var req LogsRequest
			if err := decode(r, &req); err != nil {
				writeFailure(w, err, nil)
				return
			}
			pr = req.PRNumber
		}
		if err := requirePR(pr); err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, "", LogsResponse{Logs: s.previews.GetSetupLogs(pr)})
	}
}

func (s *Server) cleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CleanupRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := requirePR(req.PRNumber); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if req.TempDir == "" {
			writeFailure(w, domain.Required("tempDir"), nil)
			return
		}
		if err := s.previews.CleanupWorkspace(detach(r), req.PRNumber, req.TempDir); err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, "workspace removed", nil)
	}
}

func (s *Server) listSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := s.previews.Sessions()
		responses := make([]SessionResponse, len(sessions))
		for i, sess := range sessions {
			responses[i] = sessionToResponse(sess)
		}
		writeOK(w, "", responses)
	}
}

func (s *Server) getSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pr, err := prFromPath(r)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		sess, err := s.previews.Session(pr)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, "", sessionToResponse(sess))
	}
}

func (s *Server) reapHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pr, err := prFromPath(r)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := s.previews.Reap(r.Context(), pr); err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, "session removed", nil)
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.observer == nil {
			writeError(w, http.StatusNotFound, "metrics are not enabled")
			return
		}
		writeOK(w, "", s.observer.Summarize(s.previews.Sessions()))
	}
}

func prFromPath(r *http.Request) (int, error) {
	return parsePR(r.PathValue("pr"))
}

func prFromQuery(r *http.Request) (int, error) {
	return parsePR(r.URL.Query().Get("prNumber"))
}

func parsePR(raw string) (int, error) {
	if raw == "" {
		return 0, domain.Required("prNumber")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &domain.ValidationError{Field: "prNumber", Reason: "must be a positive integer"}
	}
	return n, nil
}
