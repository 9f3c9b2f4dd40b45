// Package filter converts request filter payloads into event predicates.
// Payloads mirror the query surface: multi-select key fields, binary flags on
// labels, and numeric ranges on metrics, plus nested key groups that expand
// into flat (level, value) pairs.
package filter

import (
	"fmt"

	"github.com/featuremill/featuremill/internal/event"
)

// Range is an inclusive numeric bound on a metric. Nil ends are open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// KeyGroup is a nested selection: one coarse key value with several fine key
// values under it (e.g. one airport with several routes). Groups flatten into
// (level, value) pair requirements.
type KeyGroup struct {
	Level     string   `json:"level"`      // coarse level name
	Value     string   `json:"value"`      // coarse level value
	SubLevel  string   `json:"sub_level"`  // fine level name
	SubValues []string `json:"sub_values"` // fine level values
}

// Payload is the wire form of a filter request.
type Payload struct {
	// Keys selects events whose key at the named level is one of the values.
	Keys map[string][]string `json:"keys,omitempty"`
	// Labels selects events carrying exact label values.
	Labels map[string]string `json:"labels,omitempty"`
	// Ranges bounds raw metric values.
	Ranges map[string]Range `json:"ranges,omitempty"`
	// Groups are nested selections, expanded by Flatten.
	Groups []KeyGroup `json:"groups,omitempty"`
}

// pair is one flattened (coarse, fine) key requirement from a group.
type pair struct {
	coarseLevel, coarseValue string
	fineLevel, fineValue     string
}

// Filter is a compiled event predicate.
type Filter struct {
	keys   map[string]map[string]bool
	labels map[string]string
	ranges map[string]Range
	pairs  []pair
}

// Flatten expands the payload's nested groups into flat pairs, mirroring how
// a nested location payload unrolls into (state, county) entries. It returns
// the number of pairs produced.
func (p *Payload) Flatten() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.SubValues)
	}
	return n
}

// Build compiles a payload into a Filter.
func Build(p *Payload) (*Filter, error) {
	f := &Filter{
		keys:   make(map[string]map[string]bool),
		labels: p.Labels,
		ranges: p.Ranges,
	}

	for level, values := range p.Keys {
		if level == "" {
			return nil, fmt.Errorf("filter: empty key level")
		}
		if len(values) == 0 {
			continue // empty multi-select means no constraint
		}
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		f.keys[level] = set
	}

	for i, g := range p.Groups {
		if g.Level == "" || g.SubLevel == "" {
			return nil, fmt.Errorf("filter: group %d missing level names", i)
		}
		for _, sv := range g.SubValues {
			f.pairs = append(f.pairs, pair{
				coarseLevel: g.Level,
				coarseValue: g.Value,
				fineLevel:   g.SubLevel,
				fineValue:   sv,
			})
		}
	}

	for m, r := range p.Ranges {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return nil, fmt.Errorf("filter: range for %s has min > max", m)
		}
	}
	return f, nil
}

// Match reports whether an event satisfies the filter. All constraint kinds
// must hold; within a multi-select or the pair list, any value matching is
// enough.
func (f *Filter) Match(ev *event.Event) bool {
	for level, set := range f.keys {
		v, ok := ev.KeyValue(level)
		if !ok || !set[v] {
			return false
		}
	}

	for k, want := range f.labels {
		if ev.Labels[k] != want {
			return false
		}
	}

	for m, r := range f.ranges {
		v, ok := ev.Metrics[m]
		if !ok {
			return false
		}
		if r.Min != nil && v < *r.Min {
			return false
		}
		if r.Max != nil && v > *r.Max {
			return false
		}
	}

	if len(f.pairs) > 0 {
		matched := false
		for _, p := range f.pairs {
			cv, ok1 := ev.KeyValue(p.coarseLevel)
			fv, ok2 := ev.KeyValue(p.fineLevel)
			if ok1 && ok2 && cv == p.coarseValue && fv == p.fineValue {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
