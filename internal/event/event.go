// Package event defines the shared data model for the feature engine:
// keyed, timestamped events on the way in, resolved feature vectors on the
// way out.
package event

import (
	"fmt"
	"time"
)

// KeyPart is one component of an event's key tuple, ordered from most to
// least specific (e.g. aircraft -> route -> airport).
type KeyPart struct {
	Level string `json:"level"` // hierarchy level name, e.g. "aircraft"
	Value string `json:"value"` // identifier at that level, e.g. "N431SW"
}

// Event is a single timestamped observation record.
type Event struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Keys      []KeyPart          `json:"keys"`    // most to least specific
	Metrics   map[string]float64 `json:"metrics"` // raw metrics; absent = missing
	Labels    map[string]string  `json:"labels,omitempty"`
}

// PrimaryKey returns the most specific key component, or the empty string for
// an event with no key tuple.
func (e *Event) PrimaryKey() string {
	if len(e.Keys) == 0 {
		return ""
	}
	return e.Keys[0].Level + "/" + e.Keys[0].Value
}

// KeyValue returns the value for a named hierarchy level, if present.
func (e *Event) KeyValue(level string) (string, bool) {
	for _, k := range e.Keys {
		if k.Level == level {
			return k.Value, true
		}
	}
	return "", false
}

// Stats holds trailing-window statistics for one (key, metric) pair.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Feature is one resolved metric in an output vector.
type Feature struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	ZScore float64 `json:"z_score"`
	Level  string  `json:"level"`  // hierarchy level the stats came from
	Filled bool    `json:"filled"` // true when the raw value was missing
}

// ResolvedVector is the per-event output: one Feature per requested metric,
// never a missing entry.
type ResolvedVector struct {
	EventID   string             `json:"event_id"`
	Timestamp time.Time          `json:"timestamp"`
	Keys      []KeyPart          `json:"keys"`
	Features  map[string]Feature `json:"features"`
}

// Result is the tagged per-event outcome of batch processing. Exactly one of
// Vector or Err is set.
type Result struct {
	Index  int             `json:"index"`
	Vector *ResolvedVector `json:"vector,omitempty"`
	Err    error           `json:"-"`
}

// Failed reports whether this event's processing was rejected.
func (r Result) Failed() bool { return r.Err != nil }

// MarshalError renders the error for JSON output.
func (r Result) MarshalError() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Validate performs basic structural checks on an incoming event.
func (e *Event) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s: zero timestamp", e.ID)
	}
	for _, k := range e.Keys {
		if k.Level == "" || k.Value == "" {
			return fmt.Errorf("event %s: empty key part", e.ID)
		}
	}
	return nil
}
