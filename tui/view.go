package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	running, failed := 0, 0
	for _, s := range m.sessions {
		switch domain.SessionState(s.State) {
		case domain.StateRunning:
			running++
		case domain.StateFailed:
			failed++
		}
	}
	header := fmt.Sprintf(" PR Preview Orchestrator │ Sessions: %d │ Running: %d │ Failed: %d ",
		len(m.sessions), running, failed)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var content string
	switch m.activeTab {
	case TabSessions:
		content = m.renderSessions()
	case TabLogs:
		content = m.renderLogs()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(content))
	b.WriteString("\n")

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	names := []string{"Sessions", "Logs"}
	var tabs []string
	for i, name := range names {
		if i == m.activeTab {
			tabs = append(tabs, tabActiveStyle.Render(name))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(name))
		}
	}
	return " " + strings.Join(tabs, "  ")
}

func (m Model) renderSessions() string {
	if len(m.sessions) == 0 {
		return dimmedStyle.Render("No sessions. Clone a PR with `pr-preview clone`.")
	}

	var b strings.Builder
	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}
	rows := m.visible()
	if len(rows) == 0 {
		b.WriteString(dimmedStyle.Render("No sessions match the filter."))
		return b.String()
	}
	b.WriteString(fmt.Sprintf("%-6s %-12s %-28s %-8s %-10s %-16s %s\n", "PR", "STATE", "BRANCH", "PID", "UPTIME", "CREATED", "WORKSPACE"))
	for i, s := range rows {
		pid := "-"
		if s.ProcessID != 0 {
			pid = fmt.Sprintf("%d", s.ProcessID)
		}
		uptime := s.Uptime
		if uptime == "" {
			uptime = "-"
		}
		line := fmt.Sprintf("%-6d %-12s %-28s %-8s %-10s %-16s %s",
			s.PRNumber,
			s.State,
			truncate(s.Branch, 28),
			pid,
			uptime,
			created(s.CreatedAt),
			s.TempDir,
		)
		line = stateStyle(s.State).Render(line)
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if s.LastError != "" && i == m.selectedRow {
			b.WriteString(failedStyle.Render("       " + truncate(s.LastError, m.width-12)))
			b.WriteString("\n")
		}
	}

	if m.metrics != nil && len(m.metrics.Stuck) > 0 {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render(fmt.Sprintf("Stuck in a transient state: %v", m.metrics.Stuck)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderLogs() string {
	sel, ok := m.selected()
	if !ok {
		return dimmedStyle.Render("Select a session on the Sessions tab.")
	}
	if m.logsPR != sel.PRNumber {
		return dimmedStyle.Render(fmt.Sprintf("Loading logs for PR #%d...", sel.PRNumber))
	}
	if len(m.logs) == 0 {
		return dimmedStyle.Render(fmt.Sprintf("PR #%d has no log lines yet.", sel.PRNumber))
	}

	visible := max(m.height-8, 5)
	end := len(m.logs) - m.logScroll
	if end < visible {
		end = min(visible, len(m.logs))
	}
	start := max(end-visible, 0)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("PR #%d (%s) │ lines %d-%d of %d\n", sel.PRNumber, sel.Branch, start+1, end, len(m.logs)))
	for _, line := range m.logs[start:end] {
		b.WriteString(truncate(line, m.width-6))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderStatusBar() string {
	status := " q: quit │ tab: switch │ j/k: move │ enter: logs │ /: filter │ r: refresh"
	if m.err != nil {
		status += " │ " + failedStyle.Render(truncate(m.err.Error(), 60))
	} else if !m.lastRefresh.IsZero() {
		status += " │ updated " + m.lastRefresh.Format("15:04:05")
	}
	return statusBarStyle.Width(m.width).Render(status)
}

func stateStyle(state string) lipgloss.Style {
	switch domain.SessionState(state) {
	case domain.StateRunning:
		return runningStyle
	case domain.StateFailed:
		return failedStyle
	case domain.StateStopped:
		return dimmedStyle
	case domain.StateCloning, domain.StateStarting, domain.StateStopping:
		return warningStyle
	}
	return lipgloss.NewStyle()
}

func created(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
