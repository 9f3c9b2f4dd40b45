// Package pipeline orchestrates event replay: order validation, feature
// assembly, and window recording, with per-event failure isolation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/event"
	"github.com/featuremill/featuremill/internal/feature/assemble"
	"github.com/featuremill/featuremill/internal/feature/hierarchy"
	"github.com/featuremill/featuremill/internal/feature/normalize"
	"github.com/featuremill/featuremill/internal/feature/window"
	"github.com/featuremill/featuremill/internal/observability"
)

// ErrOutOfOrder rejects an event whose timestamp precedes the last one seen
// for its primary key. The event is reported in its result slot; the batch
// continues.
var ErrOutOfOrder = errors.New("event out of order for its key")

// Stats holds pipeline counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Assembled int64 `json:"assembled"`
	Rejected  int64 `json:"rejected"`
}

// Pipeline wires the aggregator, resolver, normalizer and assembler behind a
// single ingestion path. Writes go through Process in timestamp order per
// key; reads (Assemble, Stats) are safe concurrently with ingestion.
type Pipeline struct {
	agg      *window.Aggregator
	resolver *hierarchy.Resolver
	asm      *assemble.Assembler
	metrics  []string
	sentinel assemble.SentinelFunc

	logger *zap.Logger
	obs    *observability.Metrics

	mu       sync.Mutex
	lastSeen map[string]time.Time // per primary key
	stats    Stats
}

// New builds a Pipeline from validated configuration. Configuration problems
// surface here, before any event is processed.
func New(cfg *config.Config, agg *window.Aggregator, logger *zap.Logger, obs *observability.Metrics) (*Pipeline, error) {
	levels := make([]hierarchy.Level, len(cfg.Hierarchy.Levels))
	for i, l := range cfg.Hierarchy.Levels {
		levels[i] = hierarchy.Level{Name: l.Name, MinSamples: l.MinSamples}
	}

	resolver, err := hierarchy.New(levels, cfg.Metrics.Defaults, agg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	sentinel := cfg.IsSentinel
	asm := assemble.New(resolver, normalize.New(cfg.Normalize.Clip), sentinel)

	return &Pipeline{
		agg:      agg,
		resolver: resolver,
		asm:      asm,
		metrics:  cfg.Metrics.Requested,
		sentinel: sentinel,
		logger:   logger,
		obs:      obs,
		lastSeen: make(map[string]time.Time),
	}, nil
}

// Aggregator exposes the window state for snapshotting.
func (p *Pipeline) Aggregator() *window.Aggregator { return p.agg }

// RequestedMetrics returns the configured metric set.
func (p *Pipeline) RequestedMetrics() []string { return p.metrics }

// Levels returns the fallback chain level names, global included.
func (p *Pipeline) Levels() []string { return p.resolver.Levels() }

// Assemble resolves features for an event without recording it. Read-only;
// safe concurrently with ingestion.
func (p *Pipeline) Assemble(ev *event.Event) (*event.ResolvedVector, error) {
	start := time.Now()
	vec, err := p.asm.Assemble(ev, p.metrics)
	if err != nil {
		return nil, err
	}
	p.observeVector(vec, time.Since(start))
	return vec, nil
}

// Process handles one event on the ingestion path: order check, assembly,
// then recording. Assembly runs first so the event's own observation stays
// out of its reference window.
func (p *Pipeline) Process(ctx context.Context, ev *event.Event) event.Result {
	if err := ctx.Err(); err != nil {
		return event.Result{Err: err}
	}

	if err := ev.Validate(); err != nil {
		p.reject("invalid")
		return event.Result{Err: err}
	}

	pk := ev.PrimaryKey()
	p.mu.Lock()
	if last, ok := p.lastSeen[pk]; ok && ev.Timestamp.Before(last) {
		p.mu.Unlock()
		p.reject("out_of_order")
		p.logger.Warn("rejecting out-of-order event",
			zap.String("event_id", ev.ID),
			zap.String("key", pk),
			zap.Time("timestamp", ev.Timestamp),
			zap.Time("last_seen", last))
		return event.Result{Err: fmt.Errorf("%w: %s at %s", ErrOutOfOrder, pk, ev.Timestamp)}
	}
	p.lastSeen[pk] = ev.Timestamp
	p.mu.Unlock()

	start := time.Now()
	vec, err := p.asm.Assemble(ev, p.metrics)
	if err != nil {
		p.reject("assemble")
		return event.Result{Err: err}
	}

	p.record(ev)
	p.observeVector(vec, time.Since(start))

	p.mu.Lock()
	p.stats.Processed++
	p.stats.Assembled++
	p.mu.Unlock()

	return event.Result{Vector: vec}
}

// record inserts the event's present, non-sentinel requested metrics into
// every hierarchy level window the event carries a key for. A coarse shared
// window that has already advanced past this timestamp skips the insert
// rather than rewriting history.
func (p *Pipeline) record(ev *event.Event) {
	for _, m := range p.metrics {
		v, ok := ev.Metrics[m]
		if !ok || p.sentinel(m, v) {
			continue
		}
		for _, k := range ev.Keys {
			key := hierarchy.Key(k.Level, k.Value)
			if err := p.agg.Record(key, m, ev.Timestamp, v); err != nil {
				p.logger.Debug("skipping window insert",
					zap.String("key", key),
					zap.String("metric", m),
					zap.Error(err))
			}
		}
	}
	if p.obs != nil {
		p.obs.WindowPairs.Set(float64(p.agg.Pairs()))
	}
}

// Run replays a batch. Events are sorted by timestamp before replay (stable,
// so same-timestamp events keep their input order); each input slot gets a
// tagged result, and the returned slice preserves input order regardless of
// replay order. One event's failure never aborts the batch.
func (p *Pipeline) Run(ctx context.Context, events []*event.Event) []event.Result {
	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return events[order[a]].Timestamp.Before(events[order[b]].Timestamp)
	})

	results := make([]event.Result, len(events))
	for _, idx := range order {
		res := p.Process(ctx, events[idx])
		res.Index = idx
		results[idx] = res
	}

	if p.obs != nil {
		p.obs.BatchesProcessed.Inc()
	}
	return results
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline) reject(reason string) {
	p.mu.Lock()
	p.stats.Processed++
	p.stats.Rejected++
	p.mu.Unlock()
	if p.obs != nil {
		p.obs.EventsRejected.WithLabelValues(reason).Inc()
	}
}

func (p *Pipeline) observeVector(vec *event.ResolvedVector, elapsed time.Duration) {
	if p.obs == nil {
		return
	}
	p.obs.VectorsAssembled.Inc()
	p.obs.AssembleDuration.Observe(elapsed.Seconds())
	for _, f := range vec.Features {
		p.obs.ResolutionsTotal.WithLabelValues(f.Level).Inc()
		if f.Filled {
			p.obs.FeaturesFilled.WithLabelValues(f.Metric).Inc()
		}
	}
}
