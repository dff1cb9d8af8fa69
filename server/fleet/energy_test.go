package fleet

import (
	"math"
	"testing"
)

func TestEstimateWaste(t *testing.T) {
	cases := []struct {
		idleSeconds int64
		watts       float64
		want        float64
	}{
		{3600, 65, 0.065},   // one idle hour at 65W
		{7200, 100, 0.2},    // two hours at 100W
		{1800, 65, 0.0325},  // half an hour
		{0, 65, 0},          // nothing idle
		{-100, 65, 0},       // garbage in, zero out
		{3600, 0, 0},        // no draw configured
		{3600, -10, 0},      // negative draw
	}

	for _, tc := range cases {
		got := EstimateWaste(tc.idleSeconds, tc.watts)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("EstimateWaste(%d, %.1f) = %f, want %f", tc.idleSeconds, tc.watts, got, tc.want)
		}
	}
}

func TestWasteCost(t *testing.T) {
	if got := WasteCost(10, 0.12); math.Abs(got-1.2) > 1e-9 {
		t.Errorf("WasteCost(10, 0.12) = %f, want 1.2", got)
	}
	if got := WasteCost(-1, 0.12); got != 0 {
		t.Errorf("WasteCost(-1, 0.12) = %f, want 0", got)
	}
	if got := WasteCost(10, 0); got != 0 {
		t.Errorf("WasteCost(10, 0) = %f, want 0", got)
	}
}
