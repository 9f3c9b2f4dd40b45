// Package eval summarizes a processed batch: how often each hierarchy level
// actually served a resolution, how much filling happened, and the rejection
// rate. The report answers "how sparse was our specific-level history".
package eval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/featuremill/featuremill/internal/event"
)

// MetricReport summarizes one metric across a batch.
type MetricReport struct {
	Metric      string         `json:"metric"`
	LevelCounts map[string]int `json:"level_counts"` // resolutions served per level
	Filled      int            `json:"filled"`       // values filled from fallback stats
	Total       int            `json:"total"`
}

// FillRate is the fraction of values filled from fallback stats.
func (m MetricReport) FillRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Filled) / float64(m.Total)
}

// LevelRate is the fraction of resolutions served by the named level.
func (m MetricReport) LevelRate(level string) float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.LevelCounts[level]) / float64(m.Total)
}

// Report summarizes a whole batch.
type Report struct {
	Events   int                     `json:"events"`
	Resolved int                     `json:"resolved"`
	Rejected int                     `json:"rejected"`
	Metrics  map[string]MetricReport `json:"metrics"`
}

// Coverage is the fraction of events that produced a vector.
func (r Report) Coverage() float64 {
	if r.Events == 0 {
		return 0
	}
	return float64(r.Resolved) / float64(r.Events)
}

// Evaluate builds a report from batch results.
func Evaluate(results []event.Result) Report {
	report := Report{
		Events:  len(results),
		Metrics: make(map[string]MetricReport),
	}

	for _, res := range results {
		if res.Failed() {
			report.Rejected++
			continue
		}
		report.Resolved++
		for name, f := range res.Vector.Features {
			mr, ok := report.Metrics[name]
			if !ok {
				mr = MetricReport{Metric: name, LevelCounts: make(map[string]int)}
			}
			mr.Total++
			mr.LevelCounts[f.Level]++
			if f.Filled {
				mr.Filled++
			}
			report.Metrics[name] = mr
		}
	}
	return report
}

// String renders the report in a stable, human-readable layout.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "events=%d resolved=%d rejected=%d coverage=%.3f\n",
		r.Events, r.Resolved, r.Rejected, r.Coverage())

	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mr := r.Metrics[name]
		fmt.Fprintf(&b, "  %s: total=%d filled=%d fill_rate=%.3f", name, mr.Total, mr.Filled, mr.FillRate())

		levels := make([]string, 0, len(mr.LevelCounts))
		for lvl := range mr.LevelCounts {
			levels = append(levels, lvl)
		}
		sort.Strings(levels)
		for _, lvl := range levels {
			fmt.Fprintf(&b, " %s=%d", lvl, mr.LevelCounts[lvl])
		}
		b.WriteByte('\n')
	}
	return b.String()
}
