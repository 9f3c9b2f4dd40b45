package normalize

import (
	"testing"

	"github.com/featuremill/featuremill/internal/event"
)

func TestZScore_Basic(t *testing.T) {
	n := New(0)
	stats := event.Stats{Count: 3, Mean: 20, StdDev: 2}

	if z := n.ZScore(24, stats); z != 2 {
		t.Errorf("expected z=2, got %v", z)
	}
	if z := n.ZScore(16, stats); z != -2 {
		t.Errorf("expected z=-2, got %v", z)
	}
}

// TestZScore_ZeroStdDev verifies the edge case: identical reference
// observations yield z=0 for any input, never a division by zero.
func TestZScore_ZeroStdDev(t *testing.T) {
	n := New(0)
	stats := event.Stats{Count: 5, Mean: 10, StdDev: 0}

	for _, v := range []float64{-1000, 0, 10, 1e9} {
		if z := n.ZScore(v, stats); z != 0 {
			t.Errorf("ZScore(%v) with zero stddev: expected 0, got %v", v, z)
		}
	}
}

func TestZScore_ClipBounds(t *testing.T) {
	n := New(5)
	stats := event.Stats{Count: 3, Mean: 0, StdDev: 1}

	if z := n.ZScore(100, stats); z != 5 {
		t.Errorf("expected clip to +5, got %v", z)
	}
	if z := n.ZScore(-100, stats); z != -5 {
		t.Errorf("expected clip to -5, got %v", z)
	}
	if z := n.ZScore(3, stats); z != 3 {
		t.Errorf("in-bound z should pass through, got %v", z)
	}
}

func TestZScore_ClipDisabled(t *testing.T) {
	n := New(0)
	stats := event.Stats{Count: 3, Mean: 0, StdDev: 1}

	if z := n.ZScore(100, stats); z != 100 {
		t.Errorf("clip disabled: expected 100, got %v", z)
	}
}
