// Package assemble joins resolved features onto events. The output vector's
// metric set always equals the requested set — total coverage, no omissions.
package assemble

import (
	"fmt"
	"time"

	"github.com/featuremill/featuremill/internal/event"
	"github.com/featuremill/featuremill/internal/feature/hierarchy"
	"github.com/featuremill/featuremill/internal/feature/normalize"
)

// SentinelFunc reports whether a raw value is a sentinel code for a metric
// and should be treated as missing.
type SentinelFunc func(metric string, value float64) bool

// Assembler builds resolved feature vectors. It only reads aggregator state
// (through the resolver); it never mutates it, so assembly can run
// concurrently with ingestion.
type Assembler struct {
	resolver   *hierarchy.Resolver
	normalizer *normalize.Normalizer
	isSentinel SentinelFunc
}

// New creates an Assembler. isSentinel may be nil when no sentinel codes are
// configured.
func New(resolver *hierarchy.Resolver, normalizer *normalize.Normalizer, isSentinel SentinelFunc) *Assembler {
	if isSentinel == nil {
		isSentinel = func(string, float64) bool { return false }
	}
	return &Assembler{
		resolver:   resolver,
		normalizer: normalizer,
		isSentinel: isSentinel,
	}
}

// Assemble resolves every requested metric for one event. For a present,
// non-sentinel raw value the vector carries that value z-scored against the
// resolved reference stats; for a missing or sentinel value the resolved
// level's mean fills in and the feature is marked filled. Either way every
// requested metric appears in the output.
func (a *Assembler) Assemble(ev *event.Event, metrics []string) (*event.ResolvedVector, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	vec := &event.ResolvedVector{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
		Keys:      ev.Keys,
		Features:  make(map[string]event.Feature, len(metrics)),
	}

	for _, m := range metrics {
		f, err := a.assembleOne(ev, m, ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("assemble %s: %w", m, err)
		}
		vec.Features[m] = f
	}
	return vec, nil
}

func (a *Assembler) assembleOne(ev *event.Event, metric string, asOf time.Time) (event.Feature, error) {
	res, err := a.resolver.Resolve(ev.Keys, metric, asOf)
	if err != nil {
		return event.Feature{}, err
	}

	raw, present := ev.Metrics[metric]
	if present && a.isSentinel(metric, raw) {
		present = false
	}

	value := raw
	filled := false
	if !present {
		value = res.Stats.Mean
		filled = true
	}

	return event.Feature{
		Metric: metric,
		Value:  value,
		ZScore: a.normalizer.ZScore(value, res.Stats),
		Level:  res.Level,
		Filled: filled,
	}, nil
}
