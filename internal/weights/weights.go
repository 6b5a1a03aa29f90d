// Package weights turns aggregated log-ratios into final importance-sampling
// correction weights under the configured bounding mode.
package weights

import (
	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/metrics"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/ratio"
)

// #region result

// Result bundles the final IS weights with the intermediates diagnostics
// read and the IS metric family.
type Result struct {
	// Final is (B, T): safety-bounded ratios, truncated at the threshold in
	// truncate mode, exactly 0 at padding positions.
	Final [][]float64
	// Bounded is the safety-bounded matrix before any threshold, the source
	// for token-level extreme statistics.
	Bounded [][]float64
	// Agg is the log-space aggregate the weights were exponentiated from.
	Agg ratio.Aggregated
	// Metrics is the rollout_is_* family.
	Metrics metrics.Map
}

// #endregion result

// #region compute

// Compute builds IS weights at the resolved level and mode. The rejection
// pipeline never touches these weights; thresholding in mask mode is its
// job alone.
//
// Guarantees: weights are ≥ 0 everywhere, exactly 0 at invalid positions,
// at most exp(SafetyBound) at valid ones, and in truncate mode additionally
// at most the IS threshold.
func Compute(logRatio, mask [][]float64, r config.Resolved) Result {
	agg := ratio.Aggregate(logRatio, mask, r.ISLevel)
	bounded := agg.Bounded(mask)

	// Bounded is already 0 at invalid positions, so masking is implicit.
	final := batch.Clone(bounded)
	if r.Mode != config.ModeMask {
		for i, row := range final {
			for j, w := range row {
				if w > r.ISThreshold {
					final[i][j] = r.ISThreshold
				}
			}
		}
	}

	m := metrics.WeightFamily(metrics.FamilyIS, agg, final, bounded, mask, r.ISThreshold, 1.0/r.ISThreshold)
	return Result{Final: final, Bounded: bounded, Agg: agg, Metrics: m}
}

// #endregion compute
