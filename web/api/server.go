// Package api exposes the orchestrator over JSON/HTTP. Every response uses the
// {success, message, data} envelope.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/observer"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
)

// Previews is the lifecycle surface of the orchestrator
type Previews interface {
	ClonePR(ctx context.Context, req orchestrator.ClonePRRequest) (*domain.PRSession, error)
	StartApp(ctx context.Context, pr int, tempDir string) (int, error)
	StopApp(ctx context.Context, pr, pid int, tempDir string) (orchestrator.StopResult, error)
	GetSetupLogs(pr int) []string
	Sessions() []*domain.PRSession
	Session(pr int) (*domain.PRSession, error)
	Subscribe(pr int) ([]logbuf.Line, <-chan logbuf.Line, func(), error)
	Reap(ctx context.Context, pr int) error
	CleanupWorkspace(ctx context.Context, pr int, tempDir string) error
}

// Primitives are the single git operations available for manual flows
type Primitives interface {
	CreateDirectory(path string) error
	CloneRepository(ctx context.Context, repoURL, dest, branch string) (*runner.Result, error)
	CheckoutBranch(ctx context.Context, dir, branch, startPoint string) (*runner.Result, error)
	SetupRemote(ctx context.Context, dir, remote, url string) (*runner.Result, error)
	FetchBranch(ctx context.Context, dir, remote, branch string) (*runner.Result, error)
}

// Shell runs the free-form run-command primitive
type Shell interface {
	RunShell(ctx context.Context, script, dir string, timeout time.Duration) (*runner.Result, error)
}

// Response is the envelope of every API reply
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Server is the HTTP API server
type Server struct {
	previews   Previews
	git        Primitives
	shell      Shell
	observer   *observer.Observer
	log        *slog.Logger
	addr       string
	mux        *http.ServeMux
	httpServer *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithObserver enables GET /api/metrics
func WithObserver(o *observer.Observer) Option {
	return func(s *Server) { s.observer = o }
}

// NewServer creates a new API server
func NewServer(previews Previews, git Primitives, shell Shell, addr string, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		previews: previews,
		git:      git,
		shell:    shell,
		log:      log,
		addr:     addr,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler())

	// Lifecycle
	s.mux.HandleFunc("POST /api/pr/clone", s.cloneHandler())
	s.mux.HandleFunc("POST /api/pr/start", s.startHandler())
	s.mux.HandleFunc("POST /api/pr/stop", s.stopHandler())
	s.mux.HandleFunc("POST /api/pr/logs", s.logsHandler())
	s.mux.HandleFunc("GET /api/pr/logs", s.logsHandler())
	s.mux.HandleFunc("GET /api/pr/logs/stream", s.streamHandler())
	s.mux.HandleFunc("POST /api/pr/cleanup", s.cleanupHandler())

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", s.listSessionsHandler())
	s.mux.HandleFunc("GET /api/sessions/{pr}", s.getSessionHandler())
	s.mux.HandleFunc("DELETE /api/sessions/{pr}", s.reapHandler())
	s.mux.HandleFunc("GET /api/metrics", s.metricsHandler())

	// Primitives
	s.mux.HandleFunc("POST /api/git/create-directory", s.createDirectoryHandler())
	s.mux.HandleFunc("POST /api/git/clone", s.cloneRepositoryHandler())
	s.mux.HandleFunc("POST /api/git/checkout", s.checkoutHandler())
	s.mux.HandleFunc("POST /api/git/remote", s.remoteHandler())
	s.mux.HandleFunc("POST /api/git/fetch", s.fetchHandler())
	s.mux.HandleFunc("POST /api/run-command", s.runCommandHandler())
}

// Handler returns the routed handler with recovery and request logging
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.recoverPanics(s.mux))
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info("api listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the connection through for the websocket upgrade
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// statusFor maps error categories to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrGit):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func writeOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Response{Success: false, Message: message})
}

// writeFailure reports err with its mapped status; data carries diagnostics
// such as a failed command's output
func writeFailure(w http.ResponseWriter, err error, data any) {
	writeJSON(w, statusFor(err), Response{Success: false, Message: err.Error(), Data: data})
}
