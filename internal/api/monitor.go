package api

import (
	"sync"
	"time"

	"github.com/sports-movement/analysis-server/pkg/types"
)

// historySize is the number of recent analyses reported by /api/status.
const historySize = 8

// Monitor keeps a bounded history of finished analyses.
type Monitor struct {
	startTime time.Time
	limit     int

	mu      sync.Mutex
	history []types.AnalysisSummary
}

// NewMonitor creates a Monitor keeping at most limit entries.
func NewMonitor(limit int) *Monitor {
	if limit <= 0 {
		limit = historySize
	}
	return &Monitor{
		startTime: time.Now(),
		limit:     limit,
		history:   make([]types.AnalysisSummary, 0, limit),
	}
}

// Record appends a finished analysis, dropping the oldest past the limit.
func (m *Monitor) Record(summary types.AnalysisSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, summary)
	if len(m.history) > m.limit {
		m.history = m.history[len(m.history)-m.limit:]
	}
}

// Snapshot returns the uptime and the history, newest first.
func (m *Monitor) Snapshot() (time.Duration, []types.AnalysisSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.AnalysisSummary, len(m.history))
	for i, s := range m.history {
		out[len(m.history)-1-i] = s
	}
	return time.Since(m.startTime), out
}

func summarize(res *types.AnalysisResult) (frames, withPose int) {
	if res == nil {
		return 0, 0
	}
	for _, f := range res.Frames {
		if len(f.Keypoints) > 0 {
			withPose++
		}
	}
	return len(res.Frames), withPose
}
