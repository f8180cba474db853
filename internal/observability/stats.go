package observability

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of run activity since process start, for
// the operator-facing snapshot endpoint. Prometheus remains the real metrics
// surface; this is the quick look without a scrape.
type Snapshot struct {
	RunsStarted   int64            `json:"runs_started"`
	RunsCompleted int64            `json:"runs_completed"`
	RunsFailed    int64            `json:"runs_failed"`
	ScopeDenied   int64            `json:"scope_denied"`
	ByMode        map[string]int64 `json:"by_mode"`
	AvgElapsedMs  int64            `json:"avg_elapsed_ms"`
	LastRunAt     time.Time        `json:"last_run_at,omitempty"`
}

type stats struct {
	mu sync.Mutex

	started   int64
	completed int64
	failed    int64
	denied    int64
	byMode    map[string]int64
	elapsedMs int64
	lastRunAt time.Time
}

func newStats() *stats {
	return &stats{byMode: make(map[string]int64)}
}

func (s *stats) observe(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Stage {
	case "run_started":
		s.started++
		s.lastRunAt = ev.At
	case "run_failed":
		s.failed++
	case "scope_denied":
		s.denied++
	case "run_completed":
		s.completed++
		if mode, ok := ev.Fields["mode"].(string); ok {
			s.byMode[mode]++
		}
		switch v := ev.Fields["elapsed_ms"].(type) {
		case int64:
			s.elapsedMs += v
		case float64:
			s.elapsedMs += int64(v)
		}
	}
}

func (s *stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMode := make(map[string]int64, len(s.byMode))
	for mode, n := range s.byMode {
		byMode[mode] = n
	}
	snap := Snapshot{
		RunsStarted:   s.started,
		RunsCompleted: s.completed,
		RunsFailed:    s.failed,
		ScopeDenied:   s.denied,
		ByMode:        byMode,
		LastRunAt:     s.lastRunAt,
	}
	if s.completed > 0 {
		snap.AvgElapsedMs = s.elapsedMs / s.completed
	}
	return snap
}
