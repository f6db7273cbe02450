package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
)

const (
	defaultCommandTimeout = time.Minute
	maxCommandTimeout     = 30 * time.Minute
)

// CreateDirectoryRequest is the body of POST /api/git/create-directory
type CreateDirectoryRequest struct {
	Path string `json:"path"`
}

// CloneRepositoryRequest is the body of POST /api/git/clone
type CloneRepositoryRequest struct {
	RepoURL     string `json:"repoUrl"`
	Destination string `json:"destination"`
	Branch      string `json:"branch,omitempty"`
}

// CheckoutRequest is the body of POST /api/git/checkout
type CheckoutRequest struct {
	Directory  string `json:"directory"`
	BranchName string `json:"branchName"`
	StartPoint string `json:"startPoint,omitempty"`
}

// RemoteRequest is the body of POST /api/git/remote
type RemoteRequest struct {
	Directory  string `json:"directory"`
	RemoteName string `json:"remoteName"`
	RemoteURL  string `json:"remoteUrl"`
}

// FetchRequest is the body of POST /api/git/fetch
type FetchRequest struct {
	Directory  string `json:"directory"`
	RemoteName string `json:"remoteName"`
	BranchName string `json:"branchName"`
}

// RunCommandRequest is the body of POST /api/run-command
type RunCommandRequest struct {
	Command        string `json:"command"`
	Directory      string `json:"directory,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// required returns a validation error for the first empty value. Pairs are
// field name then value.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return domain.Required(pairs[i])
		}
	}
	return nil
}

// writeResult reports a git primitive. The captured output travels with both
// success and failure.
func writeResult(w http.ResponseWriter, message string, res *runner.Result, err error) {
	if err != nil {
		if res == nil {
			writeFailure(w, err, nil)
			return
		}
		writeFailure(w, err, res)
		return
	}
	writeOK(w, message, res)
}

func (s *Server) createDirectoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateDirectoryRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := required("path", req.Path); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := s.git.CreateDirectory(req.Path); err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, "directory created", map[string]string{"path": req.Path})
	}
}

func (s *Server) cloneRepositoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CloneRepositoryRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := required("repoUrl", req.RepoURL, "destination", req.Destination); err != nil {
			writeFailure(w, err, nil)
			return
		}
		res, err := s.git.CloneRepository(r.Context(), req.RepoURL, req.Destination, req.Branch)
		writeResult(w, "repository cloned", res, err)
	}
}

func (s *Server) checkoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckoutRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := required("directory", req.Directory, "branchName", req.BranchName); err != nil {
			writeFailure(w, err, nil)
			return
		}
		res, err := s.git.CheckoutBranch(r.Context(), req.Directory, req.BranchName, req.StartPoint)
		writeResult(w, "branch checked out", res, err)
	}
}

func (s *Server) remoteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RemoteRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := required("directory", req.Directory, "remoteName", req.RemoteName, "remoteUrl", req.RemoteURL); err != nil {
			writeFailure(w, err, nil)
			return
		}
		res, err := s.git.SetupRemote(r.Context(), req.Directory, req.RemoteName, req.RemoteURL)
		writeResult(w, "remote configured", res, err)
	}
}

func (s *Server) fetchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FetchRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := required("directory", req.Directory, "remoteName", req.RemoteName, "branchName", req.BranchName); err != nil {
			writeFailure(w, err, nil)
			return
		}
		res, err := s.git.FetchBranch(r.Context(), req.Directory, req.RemoteName, req.BranchName)
		writeResult(w, "branch fetched", res, err)
	}
}

func (s *Server) runCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RunCommandRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := required("command", req.Command); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if req.TimeoutSeconds < 0 {
			writeFailure(w, &domain.ValidationError{Field: "timeoutSeconds", Reason: "must not be negative"}, nil)
			return
		}
		timeout := defaultCommandTimeout
		if req.TimeoutSeconds > 0 {
			timeout = min(time.Duration(req.TimeoutSeconds)*time.Second, maxCommandTimeout)
		}

		res, err := s.shell.RunShell(r.Context(), req.Command, req.Directory, timeout)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		// The command ran; its exit code is data, not a transport failure
		writeJSON(w, http.StatusOK, Response{
			Success: res.Success(),
			Message: fmt.Sprintf("exit status %d", res.ExitCode),
			Data:    res,
		})
	}
}
