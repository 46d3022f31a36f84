package sandbox

import (
	"sync"
	"time"

	"github.com/martinemde/fusion/agentloop"
)

// ToolStats aggregates executions of one tool.
type ToolStats struct {
	Calls     int                          `json:"calls"`
	ByStatus  map[agentloop.ToolStatus]int `json:"by_status"`
	TotalTime time.Duration                `json:"total_time"`
	MaxTime   time.Duration                `json:"max_time"`
}

// Snapshot is the metrics endpoint body.
type Snapshot struct {
	Since time.Time            `json:"since"`
	Calls int                  `json:"calls"`
	Tools map[string]ToolStats `json:"tools"`
}

type stats struct {
	mu    sync.Mutex
	since time.Time
	calls int
	tools map[string]*ToolStats
}

func newStats() *stats {
	return &stats{since: time.Now().UTC(), tools: make(map[string]*ToolStats)}
}

func (s *stats) record(tool string, status agentloop.ToolStatus, wall time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	ts, ok := s.tools[tool]
	if !ok {
		ts = &ToolStats{ByStatus: make(map[agentloop.ToolStatus]int)}
		s.tools[tool] = ts
	}
	ts.Calls++
	ts.ByStatus[status]++
	ts.TotalTime += wall
	if wall > ts.MaxTime {
		ts.MaxTime = wall
	}
}

func (s *stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Since: s.since, Calls: s.calls, Tools: make(map[string]ToolStats, len(s.tools))}
	for name, ts := range s.tools {
		c := *ts
		c.ByStatus = make(map[agentloop.ToolStatus]int, len(ts.ByStatus))
		for k, v := range ts.ByStatus {
			c.ByStatus[k] = v
		}
		out.Tools[name] = c
	}
	return out
}
