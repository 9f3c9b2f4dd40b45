// Package normalize converts raw values into z-scores against resolved
// reference statistics.
package normalize

import "github.com/featuremill/featuremill/internal/event"

// Normalizer computes clipped z-scores. Clip is a configured bound on the
// absolute z-score; zero disables clipping.
type Normalizer struct {
	clip float64
}

// New creates a Normalizer with the given clip bound.
func New(clip float64) *Normalizer {
	return &Normalizer{clip: clip}
}

// ZScore returns (value - mean) / stddev. When stddev is zero — all reference
// observations identical, or a global default with no distribution — the
// z-score is exactly 0 for any input.
func (n *Normalizer) ZScore(value float64, stats event.Stats) float64 {
	if stats.StdDev == 0 {
		return 0
	}
	z := (value - stats.Mean) / stats.StdDev
	if n.clip > 0 {
		if z > n.clip {
			return n.clip
		}
		if z < -n.clip {
			return -n.clip
		}
	}
	return z
}
