// Package window maintains trailing-window statistics per (key, metric)
// pair. Queries are strictly-before a reference timestamp, so a computation
// at time t never sees data at or after t.
package window

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// Common errors.
var (
	// ErrInsufficientData means a (key, metric) pair has zero observations
	// in the window. Distinct from "below threshold but nonzero", which is
	// a valid, weaker result carried in Stats.Count.
	ErrInsufficientData = errors.New("insufficient data in window")

	// ErrOutOfOrder means an observation arrived with a timestamp earlier
	// than the last one seen for its key.
	ErrOutOfOrder = errors.New("observation out of order for key")
)

// Stats holds the trailing-window summary for one (key, metric) pair.
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64
}

// observation is one (timestamp, value) sample.
type observation struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"v"`
}

// accumulator holds the in-window samples for one (key, metric) pair plus
// running count/sum/sum-of-squares for O(1) mean and variance.
type accumulator struct {
	mu       sync.RWMutex
	obs      []observation // sorted by timestamp
	sum      float64
	sumSq    float64
	lastSeen time.Time
}

// Aggregator owns all window state. One logical writer appends observations;
// readers take copy-on-read stats under the per-accumulator lock.
type Aggregator struct {
	mu     sync.RWMutex
	accs   map[string]*accumulator // keyed by key + "\x00" + metric
	window time.Duration
}

// New creates an Aggregator with the given trailing-window duration.
func New(windowDur time.Duration) *Aggregator {
	return &Aggregator{
		accs:   make(map[string]*accumulator),
		window: windowDur,
	}
}

// Window returns the configured trailing-window duration.
func (a *Aggregator) Window() time.Duration { return a.window }

func accKey(key, metric string) string { return key + "\x00" + metric }

func (a *Aggregator) acc(key, metric string, create bool) *accumulator {
	k := accKey(key, metric)
	a.mu.RLock()
	acc := a.accs[k]
	a.mu.RUnlock()
	if acc != nil || !create {
		return acc
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if acc = a.accs[k]; acc == nil {
		acc = &accumulator{}
		a.accs[k] = acc
	}
	return acc
}

// Record inserts an observation for (key, metric). An observation earlier
// than the newest one already recorded for the pair is rejected with
// ErrOutOfOrder; admitting it would retroactively change windows that were
// already queried. Stale entries are evicted lazily on each insert.
func (a *Aggregator) Record(key, metric string, ts time.Time, value float64) error {
	acc := a.acc(key, metric, true)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if !acc.lastSeen.IsZero() && ts.Before(acc.lastSeen) {
		return ErrOutOfOrder
	}
	acc.lastSeen = ts

	acc.obs = append(acc.obs, observation{TS: ts, Value: value})
	acc.sum += value
	acc.sumSq += value * value

	acc.evictBefore(ts.Add(-a.window))
	return nil
}

// evictBefore drops observations older than cutoff. Caller holds acc.mu.
func (acc *accumulator) evictBefore(cutoff time.Time) {
	n := sort.Search(len(acc.obs), func(i int) bool {
		return !acc.obs[i].TS.Before(cutoff)
	})
	if n == 0 {
		return
	}
	for _, o := range acc.obs[:n] {
		acc.sum -= o.Value
		acc.sumSq -= o.Value * o.Value
	}
	acc.obs = append(acc.obs[:0], acc.obs[n:]...)
}

// Query returns trailing-window statistics for (key, metric) over
// [asOf-window, asOf), strictly before asOf. Returns ErrInsufficientData
// when no observation falls in that range.
func (a *Aggregator) Query(key, metric string, asOf time.Time) (Stats, error) {
	acc := a.acc(key, metric, false)
	if acc == nil {
		return Stats{}, ErrInsufficientData
	}

	acc.mu.RLock()
	defer acc.mu.RUnlock()

	lo := sort.Search(len(acc.obs), func(i int) bool {
		return !acc.obs[i].TS.Before(asOf.Add(-a.window))
	})
	hi := sort.Search(len(acc.obs), func(i int) bool {
		return !acc.obs[i].TS.Before(asOf)
	})
	if hi <= lo {
		return Stats{}, ErrInsufficientData
	}

	// The running sums cover the whole retained slice; when the query range
	// is a strict subrange (asOf inside the window, or entries not yet
	// evicted), recompute over the range instead.
	var sum, sumSq float64
	if lo == 0 && hi == len(acc.obs) {
		sum, sumSq = acc.sum, acc.sumSq
	} else {
		for _, o := range acc.obs[lo:hi] {
			sum += o.Value
			sumSq += o.Value * o.Value
		}
	}

	n := hi - lo
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0 // float round-off
	}
	return Stats{Count: n, Mean: mean, StdDev: math.Sqrt(variance)}, nil
}

// LastSeen returns the newest recorded timestamp for (key, metric), or the
// zero time when nothing has been recorded.
func (a *Aggregator) LastSeen(key, metric string) time.Time {
	acc := a.acc(key, metric, false)
	if acc == nil {
		return time.Time{}
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return acc.lastSeen
}

// Pairs returns the number of tracked (key, metric) pairs.
func (a *Aggregator) Pairs() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.accs)
}
