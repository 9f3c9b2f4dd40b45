package filter

import (
	"testing"
	"time"

	"github.com/featuremill/featuremill/internal/event"
)

func fptr(v float64) *float64 { return &v }

func testEvent() *event.Event {
	return &event.Event{
		ID:        "ev-1",
		Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Keys: []event.KeyPart{
			{Level: "aircraft", Value: "N1"},
			{Level: "route", Value: "ORD-LAX"},
			{Level: "airport", Value: "ORD"},
		},
		Metrics: map[string]float64{"dep_delay": 12},
		Labels:  map[string]string{"carrier": "UA"},
	}
}

func TestBuild_EmptyPayloadMatchesEverything(t *testing.T) {
	f, err := Build(&Payload{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !f.Match(testEvent()) {
		t.Error("empty filter should match any event")
	}
}

func TestMatch_MultiSelectKeys(t *testing.T) {
	f, err := Build(&Payload{
		Keys: map[string][]string{"airport": {"ORD", "MDW"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !f.Match(testEvent()) {
		t.Error("event at ORD should match the airport multi-select")
	}

	f2, _ := Build(&Payload{Keys: map[string][]string{"airport": {"LAX"}}})
	if f2.Match(testEvent()) {
		t.Error("event at ORD should not match a LAX-only filter")
	}
}

func TestMatch_EmptyMultiSelectIsNoConstraint(t *testing.T) {
	f, err := Build(&Payload{Keys: map[string][]string{"airport": {}}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !f.Match(testEvent()) {
		t.Error("empty value list should impose no constraint")
	}
}

func TestMatch_Labels(t *testing.T) {
	f, _ := Build(&Payload{Labels: map[string]string{"carrier": "UA"}})
	if !f.Match(testEvent()) {
		t.Error("matching label should pass")
	}
	f2, _ := Build(&Payload{Labels: map[string]string{"carrier": "AA"}})
	if f2.Match(testEvent()) {
		t.Error("mismatched label should fail")
	}
}

func TestMatch_NumericRanges(t *testing.T) {
	f, _ := Build(&Payload{Ranges: map[string]Range{
		"dep_delay": {Min: fptr(10), Max: fptr(20)},
	}})
	if !f.Match(testEvent()) {
		t.Error("dep_delay 12 should fall inside [10, 20]")
	}

	f2, _ := Build(&Payload{Ranges: map[string]Range{
		"dep_delay": {Min: fptr(15)},
	}})
	if f2.Match(testEvent()) {
		t.Error("dep_delay 12 should fail a min of 15")
	}

	f3, _ := Build(&Payload{Ranges: map[string]Range{
		"arr_delay": {Max: fptr(5)},
	}})
	if f3.Match(testEvent()) {
		t.Error("event missing the ranged metric should fail")
	}
}

func TestBuild_InvertedRangeRejected(t *testing.T) {
	_, err := Build(&Payload{Ranges: map[string]Range{
		"dep_delay": {Min: fptr(20), Max: fptr(10)},
	}})
	if err == nil {
		t.Error("Build should reject min > max")
	}
}

// TestMatch_NestedGroupsFlatten verifies the nested key-group expansion: one
// coarse value with several fine values flattens into pairs, and matching any
// one pair is enough.
func TestMatch_NestedGroupsFlatten(t *testing.T) {
	p := &Payload{
		Groups: []KeyGroup{
			{Level: "airport", Value: "ORD", SubLevel: "route", SubValues: []string{"ORD-LAX", "ORD-SFO"}},
			{Level: "airport", Value: "MDW", SubLevel: "route", SubValues: []string{"MDW-DEN"}},
		},
	}
	if got := p.Flatten(); got != 3 {
		t.Errorf("expected 3 flattened pairs, got %d", got)
	}

	f, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !f.Match(testEvent()) {
		t.Error("event on ORD/ORD-LAX should match a flattened pair")
	}

	p2 := &Payload{
		Groups: []KeyGroup{
			{Level: "airport", Value: "ORD", SubLevel: "route", SubValues: []string{"ORD-SFO"}},
		},
	}
	f2, _ := Build(p2)
	if f2.Match(testEvent()) {
		t.Error("event on ORD-LAX should not match an ORD-SFO-only group")
	}
}

func TestBuild_GroupMissingLevelsRejected(t *testing.T) {
	_, err := Build(&Payload{Groups: []KeyGroup{{Value: "ORD", SubValues: []string{"x"}}}})
	if err == nil {
		t.Error("Build should reject a group without level names")
	}
}
