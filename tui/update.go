package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "j", "down":
			if m.activeTab == TabLogs {
				m.logScroll++
				break
			}
			if m.selectedRow < len(m.visible())-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.activeTab == TabLogs {
				if m.logScroll > 0 {
					m.logScroll--
				}
				break
			}
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.logScroll = 0
			if m.activeTab == TabLogs {
				return m, m.refresh()
			}
		case "enter", "l":
			if _, ok := m.selected(); ok {
				m.activeTab = TabLogs
				m.logScroll = 0
				return m, m.refresh()
			}
		case "/":
			if m.activeTab == TabSessions {
				m.filtering = true
				m.filter.Focus()
				return m, textinput.Blink
			}
		case "esc":
			if m.activeTab == TabSessions && m.filter.Value() != "" {
				m.filter.Reset()
				break
			}
			m.activeTab = TabSessions
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refresh(), m.tickCmd())

	case RefreshMsg:
		m.lastRefresh = time.Now()
		m.err = msg.Err
		if msg.Err == nil {
			m.sessions = msg.Sessions
			m.metrics = msg.Metrics
			m.clampSelection()
		}

	case LogsMsg:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		if msg.PR != m.logsPR {
			m.logScroll = 0
		}
		m.logsPR = msg.PR
		m.logs = msg.Logs
	}

	return m, nil
}

// updateFilter feeds keys to the filter input. Enter keeps the query, esc
// drops it.
func (m Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.filtering = false
		m.filter.Blur()
		return m, nil
	case "esc":
		m.filtering = false
		m.filter.Blur()
		m.filter.Reset()
		return m, nil
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.selectedRow = 0
	return m, cmd
}

// refresh reloads sessions and, on the logs tab, the selected PR's log
func (m Model) refresh() tea.Cmd {
	if sel, ok := m.selected(); ok && m.activeTab == TabLogs {
		return tea.Batch(m.refreshCmd(), m.logsCmd(sel.PRNumber))
	}
	return m.refreshCmd()
}
