package domain

import (
	"fmt"
	"time"
)

// PRSession is the tracked lifecycle of one PR's workspace and process
type PRSession struct {
	PRNumber      int
	RunID         string // uuid of this clone; changes when a terminal session is replaced
	TempDir       string
	RepoURL       string
	RepoName      string
	Branch        string
	ProcessID     int // non-zero only while running or stopping
	LastProcessID int
	State         SessionState
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// NewSession returns a session in the created state
func NewSession(prNumber int, runID, tempDir, repoURL, repoName, branch string) *PRSession {
	now := time.Now()
	return &PRSession{
		PRNumber:  prNumber,
		RunID:     runID,
		TempDir:   tempDir,
		RepoURL:   repoURL,
		RepoName:  repoName,
		Branch:    branch,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to the next state, enforcing the state machine
func (s *PRSession) Transition(to SessionState) error {
	if !CanTransition(s.State, to) {
		return Conflictf("PR %d: cannot move from %s to %s", s.PRNumber, s.State, to)
	}
	s.State = to
	s.UpdatedAt = time.Now()
	if to.IsTerminal() {
		now := s.UpdatedAt
		s.FinishedAt = &now
	}
	return nil
}

// Fail moves the session to failed and records the error message
func (s *PRSession) Fail(err error) {
	if s.State.IsTerminal() {
		return
	}
	s.State = StateFailed
	if err != nil {
		s.LastError = err.Error()
	}
	s.clearProcess()
	now := time.Now()
	s.UpdatedAt = now
	s.FinishedAt = &now
}

// SetProcess records the running child and moves to running
func (s *PRSession) SetProcess(pid int) error {
	if pid <= 0 {
		return &ValidationError{Field: "pid", Reason: fmt.Sprintf("invalid process id %d", pid)}
	}
	if err := s.Transition(StateRunning); err != nil {
		return err
	}
	s.ProcessID = pid
	s.LastProcessID = pid
	now := time.Now()
	s.StartedAt = &now
	return nil
}

// MarkStopped finishes a stop request
func (s *PRSession) MarkStopped() error {
	if err := s.Transition(StateStopped); err != nil {
		return err
	}
	s.clearProcess()
	return nil
}

func (s *PRSession) clearProcess() {
	if s.ProcessID != 0 {
		s.LastProcessID = s.ProcessID
	}
	s.ProcessID = 0
}

// Uptime returns how long the current process has been running
func (s *PRSession) Uptime() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.FinishedAt != nil && s.FinishedAt.After(*s.StartedAt) {
		return s.FinishedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}

// Clone returns a deep copy safe to hand out of the registry
func (s *PRSession) Clone() *PRSession {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
