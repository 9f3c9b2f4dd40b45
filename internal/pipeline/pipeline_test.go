package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/event"
	"github.com/featuremill/featuremill/internal/feature/window"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Window.Duration = 30 * 24 * time.Hour
	cfg.Hierarchy.Levels = []config.Level{
		{Name: "aircraft", MinSamples: 2},
		{Name: "route", MinSamples: 1},
	}
	cfg.Metrics.Requested = []string{"dep_delay"}
	cfg.Metrics.Defaults = map[string]float64{"dep_delay": 0}
	cfg.Metrics.Sentinels = map[string][]float64{"dep_delay": {-999}}
	return cfg
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	p, err := New(cfg, window.New(cfg.Window.Duration), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func ev(id string, ts time.Time, aircraft, route string, delay float64) *event.Event {
	return &event.Event{
		ID:        id,
		Timestamp: ts,
		Keys: []event.KeyPart{
			{Level: "aircraft", Value: aircraft},
			{Level: "route", Value: route},
		},
		Metrics: map[string]float64{"dep_delay": delay},
	}
}

// =============================================================================
// Replay Tests
// =============================================================================

func TestRun_AllEventsGetResults(t *testing.T) {
	p := testPipeline(t)
	events := []*event.Event{
		ev("e1", t0, "N1", "ORD-LAX", 10),
		ev("e2", t0.Add(time.Hour), "N2", "ORD-LAX", 20),
		ev("e3", t0.Add(2*time.Hour), "N1", "ORD-LAX", 30),
	}

	results := p.Run(context.Background(), events)
	if len(results) != len(events) {
		t.Fatalf("expected %d results, got %d", len(events), len(results))
	}
	for i, r := range results {
		if r.Failed() {
			t.Errorf("event %d failed: %v", i, r.Err)
		}
		if r.Vector == nil || r.Vector.EventID != events[i].ID {
			t.Errorf("result %d does not preserve input order", i)
		}
	}
}

// TestRun_FallbackScenario replays the canonical scenario end to end:
// aircraft N1 has one prior observation (below threshold 2), route ORD-LAX
// has three (meets threshold 1), so the fourth event resolves at route level
// against mean 20.
func TestRun_FallbackScenario(t *testing.T) {
	p := testPipeline(t)
	events := []*event.Event{
		ev("e1", t0, "N1", "ORD-LAX", 18),
		ev("e2", t0.Add(time.Hour), "N2", "ORD-LAX", 20),
		ev("e3", t0.Add(2*time.Hour), "N3", "ORD-LAX", 22),
		ev("e4", t0.Add(3*time.Hour), "N1", "ORD-LAX", 20),
	}

	results := p.Run(context.Background(), events)
	f := results[3].Vector.Features["dep_delay"]
	if f.Level != "route" {
		t.Errorf("expected route-level resolution, got %s", f.Level)
	}
	if f.Filled {
		t.Error("raw value present, should not be filled")
	}
	if f.ZScore != 0 {
		t.Errorf("value 20 equals route mean 20: expected z=0, got %v", f.ZScore)
	}
}

// TestRun_GlobalDefaultScenario: the very first event finds every level
// empty and resolves to the configured global default.
func TestRun_GlobalDefaultScenario(t *testing.T) {
	p := testPipeline(t)

	results := p.Run(context.Background(), []*event.Event{
		{ID: "e1", Timestamp: t0, Metrics: map[string]float64{}},
	})
	f := results[0].Vector.Features["dep_delay"]
	if f.Level != "global" {
		t.Errorf("expected global level, got %s", f.Level)
	}
	if f.Value != 0 || !f.Filled {
		t.Errorf("expected filled default 0, got %+v", f)
	}
}

// TestRun_OutOfOrderIsolated submits one out-of-order event among valid
// ones: only that event's result is a rejection.
func TestRun_OutOfOrderIsolated(t *testing.T) {
	p := testPipeline(t)

	// Stream mode: feed events one at a time so the regression is visible.
	r1 := p.Process(context.Background(), ev("e1", t0.Add(time.Hour), "N1", "ORD-LAX", 10))
	if r1.Failed() {
		t.Fatalf("e1 should succeed: %v", r1.Err)
	}
	r2 := p.Process(context.Background(), ev("e2", t0, "N1", "ORD-LAX", 20))
	if !errors.Is(r2.Err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", r2.Err)
	}
	r3 := p.Process(context.Background(), ev("e3", t0.Add(2*time.Hour), "N2", "ORD-LAX", 30))
	if r3.Failed() {
		t.Errorf("other keys must keep processing: %v", r3.Err)
	}

	stats := p.Stats()
	if stats.Rejected != 1 || stats.Assembled != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestRun_Idempotence verifies that replaying the same sorted sequence from
// a fresh pipeline produces identical output vectors.
func TestRun_Idempotence(t *testing.T) {
	events := []*event.Event{
		ev("e1", t0, "N1", "ORD-LAX", 18),
		ev("e2", t0.Add(time.Hour), "N2", "ORD-LAX", 22),
		ev("e3", t0.Add(2*time.Hour), "N1", "ORD-LAX", 25),
		ev("e4", t0.Add(3*time.Hour), "N2", "ORD-LAX", 11),
	}

	first := testPipeline(t).Run(context.Background(), events)
	second := testPipeline(t).Run(context.Background(), events)

	for i := range first {
		if !reflect.DeepEqual(first[i].Vector, second[i].Vector) {
			t.Errorf("replay diverged at %d:\n first: %+v\nsecond: %+v",
				i, first[i].Vector, second[i].Vector)
		}
	}
}

func TestRun_SortsUnsortedBatch(t *testing.T) {
	p := testPipeline(t)
	// Input out of timestamp order; Run must sort before replay, and the
	// results must still line up with input positions.
	events := []*event.Event{
		ev("late", t0.Add(2*time.Hour), "N1", "ORD-LAX", 30),
		ev("early", t0, "N1", "ORD-LAX", 10),
	}

	results := p.Run(context.Background(), events)
	for i, r := range results {
		if r.Failed() {
			t.Errorf("event %d rejected after sort: %v", i, r.Err)
		}
	}
	if results[0].Vector.EventID != "late" || results[1].Vector.EventID != "early" {
		t.Error("results do not preserve input order")
	}
}

func TestProcess_NoLeakageIntoOwnWindow(t *testing.T) {
	p := testPipeline(t)

	p.Process(context.Background(), ev("e1", t0, "N1", "ORD-LAX", 10))
	r := p.Process(context.Background(), ev("e2", t0.Add(time.Hour), "N2", "ORD-LAX", 100))

	// e2's reference stats at route level must only contain e1.
	f := r.Vector.Features["dep_delay"]
	if f.Level != "route" {
		t.Fatalf("expected route level, got %s", f.Level)
	}
	if f.ZScore != 0 {
		// Reference is the single observation 10, stddev 0.
		t.Errorf("expected z=0 against single-sample reference, got %v", f.ZScore)
	}
}

func TestProcess_SentinelNotRecorded(t *testing.T) {
	p := testPipeline(t)

	p.Process(context.Background(), ev("e1", t0, "N1", "ORD-LAX", -999))
	stats, err := p.Aggregator().Query("route/ORD-LAX", "dep_delay", t0.Add(time.Hour))
	if err == nil {
		t.Errorf("sentinel must not enter the window, got %+v", stats)
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	p := testPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := p.Process(ctx, ev("e1", t0, "N1", "ORD-LAX", 10))
	if !r.Failed() {
		t.Error("cancelled context should fail the event")
	}
}
