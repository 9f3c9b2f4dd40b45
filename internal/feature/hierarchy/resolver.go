// Package hierarchy resolves feature statistics through an ordered fallback
// chain of key levels: most specific first, global default last. The chain is
// total — resolution always produces a value.
package hierarchy

import (
	"fmt"
	"time"

	"github.com/featuremill/featuremill/internal/event"
	"github.com/featuremill/featuremill/internal/feature/window"
)

// GlobalLevel is the name reported when resolution falls through every
// configured level and lands on the configured default.
const GlobalLevel = "global"

// Level is one stage of the chain.
type Level struct {
	Name       string // hierarchy level, matches event.KeyPart.Level
	MinSamples int    // minimum window count to accept this level
}

// Resolution is the outcome of a resolve: the statistics used and the level
// they came from.
type Resolution struct {
	Stats event.Stats
	Level string
}

// Querier is the read side of the window aggregator.
type Querier interface {
	Query(key, metric string, asOf time.Time) (window.Stats, error)
}

// Resolver walks the configured priority list of key levels. The precedence
// rule is fixed: the most specific level whose sample count meets its
// threshold wins, regardless of how much more data a coarser level holds.
// Reordering the levels changes output values; order is configuration.
type Resolver struct {
	levels   []Level
	defaults map[string]float64 // global default per metric
	agg      Querier
}

// New builds a Resolver. Defaults must hold an entry for every metric that
// will ever be resolved; config validation enforces this before any event is
// processed.
func New(levels []Level, defaults map[string]float64, agg Querier) (*Resolver, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("hierarchy: no levels configured")
	}
	if agg == nil {
		return nil, fmt.Errorf("hierarchy: nil aggregator")
	}
	return &Resolver{
		levels:   levels,
		defaults: defaults,
		agg:      agg,
	}, nil
}

// Levels returns the configured level names, most specific first, with the
// implicit global level appended.
func (r *Resolver) Levels() []string {
	names := make([]string, 0, len(r.levels)+1)
	for _, l := range r.levels {
		names = append(names, l.Name)
	}
	return append(names, GlobalLevel)
}

// Key builds the aggregator key for one hierarchy level of an event.
func Key(level, value string) string { return level + "/" + value }

// Resolve walks the chain for one metric as of the given timestamp. Levels
// the event has no key for, levels with zero samples, and levels below their
// threshold are skipped. If nothing qualifies the configured global default
// is returned with an implicit unlimited sample count — resolution is total.
func (r *Resolver) Resolve(keys []event.KeyPart, metric string, asOf time.Time) (Resolution, error) {
	for _, lvl := range r.levels {
		value, ok := keyValue(keys, lvl.Name)
		if !ok {
			continue
		}
		stats, err := r.agg.Query(Key(lvl.Name, value), metric, asOf)
		if err != nil {
			// Zero samples at this level; fall through to the next.
			continue
		}
		if stats.Count < lvl.MinSamples {
			continue
		}
		return Resolution{
			Stats: event.Stats{Count: stats.Count, Mean: stats.Mean, StdDev: stats.StdDev},
			Level: lvl.Name,
		}, nil
	}

	def, ok := r.defaults[metric]
	if !ok {
		// Unreachable after config validation; kept as a hard failure so a
		// wiring bug cannot silently produce zeros.
		return Resolution{}, fmt.Errorf("hierarchy: no global default for metric %q", metric)
	}
	return Resolution{
		Stats: event.Stats{Count: 0, Mean: def, StdDev: 0},
		Level: GlobalLevel,
	}, nil
}

func keyValue(keys []event.KeyPart, level string) (string, bool) {
	for _, k := range keys {
		if k.Level == level {
			return k.Value, true
		}
	}
	return "", false
}
