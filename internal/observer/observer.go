package observer

import (
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
)

// Observer derives health metrics from session snapshots
type Observer struct {
	stuckThreshold time.Duration
}

// Metrics holds aggregated metrics
type Metrics struct {
	Total     int                         `json:"total"`
	Active    int                         `json:"active"`
	Running   int                         `json:"running"`
	Failed    int                         `json:"failed"`
	ByState   map[domain.SessionState]int `json:"byState"`
	Stuck     []int                       `json:"stuck,omitempty"`
	AvgUptime time.Duration               `json:"avgUptime"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// IsStuck returns true if a session has sat in a transient state for longer
// than the threshold
func (o *Observer) IsStuck(s *domain.PRSession) bool {
	switch s.State {
	case domain.StateCloning, domain.StateStarting, domain.StateStopping:
	default:
		return false
	}
	return time.Since(s.UpdatedAt) > o.stuckThreshold
}

// Summarize aggregates metrics over sessions
func (o *Observer) Summarize(sessions []*domain.PRSession) Metrics {
	metrics := Metrics{ByState: make(map[domain.SessionState]int)}

	var totalUptime time.Duration
	var withUptime int
	for _, s := range sessions {
		metrics.Total++
		metrics.ByState[s.State]++
		if !s.State.IsTerminal() {
			metrics.Active++
		}
		switch s.State {
		case domain.StateRunning:
			metrics.Running++
		case domain.StateFailed:
			metrics.Failed++
		}
		if o.IsStuck(s) {
			metrics.Stuck = append(metrics.Stuck, s.PRNumber)
		}
		if s.StartedAt != nil {
			totalUptime += s.Uptime()
			withUptime++
		}
	}

	if withUptime > 0 {
		metrics.AvgUptime = totalUptime / time.Duration(withUptime)
	}

	return metrics
}
