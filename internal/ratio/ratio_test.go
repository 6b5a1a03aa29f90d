package ratio

import (
	"math"
	"testing"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
)

func TestLogRatios(t *testing.T) {
	training := [][]float64{{-1.0, -2.0}}
	rollout := [][]float64{{-1.5, -1.0}}

	got := LogRatios(training, rollout)

	// -1.0 - (-1.5) = 0.5; -2.0 - (-1.0) = -1.0
	if got[0][0] != 0.5 || got[0][1] != -1.0 {
		t.Fatalf("unexpected log ratios %v", got)
	}
}

func TestSafeExpClampsBothSides(t *testing.T) {
	if got := SafeExp(0); got != 1.0 {
		t.Fatalf("expected exp(0)=1, got %v", got)
	}
	if got := SafeExp(50); got != math.Exp(20) {
		t.Fatalf("expected clamp at exp(20), got %v", got)
	}
	if got := SafeExp(-50); got != math.Exp(-20) {
		t.Fatalf("expected clamp at exp(-20), got %v", got)
	}
}

func TestAggregateTokenIsIdentity(t *testing.T) {
	lr := [][]float64{{0.5, -1.0, 3.0}}
	mask := [][]float64{{1, 0, 1}}

	agg := Aggregate(lr, mask, config.LevelToken)

	// Identity: invalid position passes through unchanged
	for j, want := range []float64{0.5, -1.0, 3.0} {
		if agg.Log[0][j] != want {
			t.Fatalf("position %d: expected %v, got %v", j, want, agg.Log[0][j])
		}
	}
	if agg.Rows != nil {
		t.Fatal("token level must not carry per-row aggregates")
	}
	// Identity must not alias the input
	agg.Log[0][0] = 99
	if lr[0][0] != 0.5 {
		t.Fatal("aggregate must copy, not alias")
	}
}

func TestAggregateSequenceSumsAndBroadcasts(t *testing.T) {
	lr := [][]float64{{0.5, 0.25, 99.0}, {1.0, 1.0, 1.0}}
	mask := [][]float64{{1, 1, 0}, {1, 1, 1}}

	agg := Aggregate(lr, mask, config.LevelSequence)

	// Row 0 sums valid positions only: 0.75; broadcast to valid, 0 at padding
	if agg.Rows[0] != 0.75 || agg.Rows[1] != 3.0 {
		t.Fatalf("unexpected row sums %v", agg.Rows)
	}
	if agg.Log[0][0] != 0.75 || agg.Log[0][1] != 0.75 {
		t.Fatalf("broadcast missing: %v", agg.Log[0])
	}
	if agg.Log[0][2] != 0 {
		t.Fatalf("padding position must stay 0, got %v", agg.Log[0][2])
	}
}

func TestAggregateGeometricUsesMean(t *testing.T) {
	lr := [][]float64{{1.0, 3.0, 99.0}}
	mask := [][]float64{{1, 1, 0}}

	agg := Aggregate(lr, mask, config.LevelGeometric)

	// Mean of valid log ratios: (1+3)/2 = 2
	if agg.Rows[0] != 2.0 {
		t.Fatalf("expected row mean 2.0, got %v", agg.Rows[0])
	}
	if agg.Log[0][0] != 2.0 || agg.Log[0][1] != 2.0 {
		t.Fatalf("broadcast missing: %v", agg.Log[0])
	}
}

func TestAggregateEmptyRowIsNoOp(t *testing.T) {
	lr := [][]float64{{5.0, 5.0}}
	mask := [][]float64{{0, 0}}

	agg := Aggregate(lr, mask, config.LevelSequence)

	// Zero valid positions aggregate to 0 (ratio 1.0 after exp), no division error
	if agg.Rows[0] != 0 {
		t.Fatalf("expected 0 aggregate for empty row, got %v", agg.Rows[0])
	}
	if SafeExp(agg.Rows[0]) != 1.0 {
		t.Fatal("empty-row aggregate must exponentiate to the no-op ratio 1.0")
	}
}

func TestBoundedZeroesInvalidAndClampsValid(t *testing.T) {
	lr := [][]float64{{0.0, 30.0, -30.0, 7.0}}
	mask := [][]float64{{1, 1, 1, 0}}

	agg := Aggregate(lr, mask, config.LevelToken)
	bounded := agg.Bounded(mask)

	if bounded[0][0] != 1.0 {
		t.Fatalf("expected 1.0, got %v", bounded[0][0])
	}
	if bounded[0][1] != math.Exp(20) {
		t.Fatalf("expected upper clamp exp(20), got %v", bounded[0][1])
	}
	if bounded[0][2] != math.Exp(-20) {
		t.Fatalf("expected lower clamp exp(-20), got %v", bounded[0][2])
	}
	if bounded[0][3] != 0 {
		t.Fatalf("invalid position must be 0, got %v", bounded[0][3])
	}
}
