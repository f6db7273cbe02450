// Package tui is the terminal dashboard behind `pr-preview watch`.
package tui

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/observer"
	"github.com/hochfrequenz/pr-preview-orchestrator/web/api"
)

// Tabs
const (
	TabSessions = iota
	TabLogs
	tabCount
)

// logTail is how many lines the logs tab keeps for the selected PR
const logTail = 200

// Source is where the dashboard reads its data from
type Source interface {
	Sessions(ctx context.Context) ([]api.SessionResponse, error)
	Logs(ctx context.Context, pr int) ([]string, error)
	Metrics(ctx context.Context) (*observer.Metrics, error)
}

// Model is the TUI application model
type Model struct {
	source   Source
	interval time.Duration

	// Data
	sessions []api.SessionResponse
	metrics  *observer.Metrics
	logs     []string
	logsPR   int
	err      error

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	logScroll   int
	filter      textinput.Model
	filtering   bool

	lastRefresh time.Time
}

// ModelConfig holds the TUI's dependencies
type ModelConfig struct {
	Source   Source
	Interval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ti := textinput.New()
	ti.Prompt = "/"
	ti.Placeholder = "PR, branch or repo"
	ti.CharLimit = 64
	return Model{
		source:   cfg.Source,
		interval: interval,
		filter:   ti,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.refreshCmd(),
		m.tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// RefreshMsg carries freshly fetched data
type RefreshMsg struct {
	Sessions []api.SessionResponse
	Metrics  *observer.Metrics
	Err      error
}

// LogsMsg carries the selected PR's log tail
type LogsMsg struct {
	PR   int
	Logs []string
	Err  error
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions, err := source.Sessions(ctx)
		if err != nil {
			return RefreshMsg{Err: err}
		}
		// Metrics are optional on the server
		metrics, _ := source.Metrics(ctx)
		return RefreshMsg{Sessions: sessions, Metrics: metrics}
	}
}

func (m Model) logsCmd(pr int) tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logs, err := source.Logs(ctx, pr)
		if len(logs) > logTail {
			logs = logs[len(logs)-logTail:]
		}
		return LogsMsg{PR: pr, Logs: logs, Err: err}
	}
}

// visible returns the sessions matching the filter
func (m Model) visible() []api.SessionResponse {
	query := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if query == "" {
		return m.sessions
	}
	var out []api.SessionResponse
	for _, s := range m.sessions {
		if strings.HasPrefix(strconv.Itoa(s.PRNumber), query) ||
			strings.Contains(strings.ToLower(s.Branch), query) ||
			strings.Contains(strings.ToLower(s.RepoName), query) {
			out = append(out, s)
		}
	}
	return out
}

// selected returns the highlighted session, if any
func (m Model) selected() (api.SessionResponse, bool) {
	rows := m.visible()
	if m.selectedRow < 0 || m.selectedRow >= len(rows) {
		return api.SessionResponse{}, false
	}
	return rows[m.selectedRow], true
}

func (m *Model) clampSelection() {
	if n := len(m.visible()); m.selectedRow >= n {
		m.selectedRow = max(n-1, 0)
	}
}
