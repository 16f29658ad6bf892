package observe

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimingStats aggregates per-stage durations for one connection's lifetime:
// count, min, max, mean, and total per stage. It backs the final stats line
// logged at teardown; the OTel histograms carry the fleet-wide view.
//
// Safe for concurrent use.
type TimingStats struct {
	mu     sync.Mutex
	stages map[string]*stageStats
}

type stageStats struct {
	count int
	min   time.Duration
	max   time.Duration
	total time.Duration
}

// StageSummary is an immutable snapshot of one stage's aggregate.
type StageSummary struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Total time.Duration
}

// NewTimingStats returns an empty aggregate.
func NewTimingStats() *TimingStats {
	return &TimingStats{stages: make(map[string]*stageStats)}
}

// Record adds one observation for the named stage.
func (t *TimingStats) Record(stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stages[stage]
	if !ok {
		s = &stageStats{min: d, max: d}
		t.stages[stage] = s
	}
	s.count++
	s.total += d
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

// Snapshot returns the current aggregates keyed by stage name.
func (t *TimingStats) Snapshot() map[string]StageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]StageSummary, len(t.stages))
	for name, s := range t.stages {
		out[name] = StageSummary{
			Count: s.count,
			Min:   s.min,
			Max:   s.max,
			Mean:  s.total / time.Duration(s.count),
			Total: s.total,
		}
	}
	return out
}

// String renders the aggregates as a compact single line, stages sorted by
// name, suitable for the teardown log.
func (t *TimingStats) String() string {
	snap := t.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		s := snap[name]
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s{n=%d min=%s max=%s mean=%s total=%s}",
			name, s.Count,
			s.Min.Round(time.Millisecond),
			s.Max.Round(time.Millisecond),
			s.Mean.Round(time.Millisecond),
			s.Total.Round(time.Millisecond))
	}
	return b.String()
}
