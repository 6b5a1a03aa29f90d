// Package rejection builds the modified validity mask that excludes outlier
// and catastrophic samples from the loss denominator. It never touches the
// IS weights: rejection only removes validity, and only ever from a fresh
// copy of the response mask.
package rejection

import (
	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/metrics"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/ratio"
)

// #region outcome

// Outcome bundles the outlier-rejection decision with its metric family.
type Outcome struct {
	// Mask is the response mask with outlier positions zeroed; the input
	// mask is left untouched.
	Mask [][]float64
	// Bounded is the safety-bounded ratio matrix the decisions came from.
	Bounded [][]float64
	// Agg is the log-space aggregate at the rejection level.
	Agg ratio.Aggregated
	// Metrics is the rollout_rs_* family plus the two rejection rates.
	Metrics metrics.Map
}

// #endregion outcome

// #region apply

// Apply runs the outlier check at the resolved rejection level: a position
// is an outlier when its safety-bounded ratio falls outside
// [RSLower, RSUpper]. Token level zeroes single positions; sequence and
// geometric levels zero every valid position of a row off the single
// per-row decision.
func Apply(logRatio, mask [][]float64, r config.Resolved) Outcome {
	agg := ratio.Aggregate(logRatio, mask, r.RSLevel)
	bounded := agg.Bounded(mask)

	modified := batch.Clone(mask)
	totalValid := batch.CountValid(mask)
	rejectedValid := 0
	rejectedRows := 0

	if r.RSLevel.PerSequence() {
		for i := range mask {
			w := ratio.SafeExp(agg.Rows[i])
			if w >= r.RSLower && w <= r.RSUpper {
				continue
			}
			rejectedRows++
			for j, v := range mask[i] {
				if v > 0 {
					modified[i][j] = 0
					rejectedValid++
				}
			}
		}
	} else {
		for i, row := range mask {
			rowHit := false
			for j, v := range row {
				if v > 0 && (bounded[i][j] < r.RSLower || bounded[i][j] > r.RSUpper) {
					modified[i][j] = 0
					rejectedValid++
					rowHit = true
				}
			}
			if rowHit {
				rejectedRows++
			}
		}
	}

	m := metrics.WeightFamily(metrics.FamilyRS, agg, bounded, bounded, mask, r.RSUpper, r.RSLower)
	if totalValid > 0 {
		m[metrics.KeyMaskedFraction] = float64(rejectedValid) / float64(totalValid)
	} else {
		m[metrics.KeyMaskedFraction] = 0
	}
	if len(mask) > 0 {
		m[metrics.KeySeqMaskedFraction] = float64(rejectedRows) / float64(len(mask))
	} else {
		m[metrics.KeySeqMaskedFraction] = 0
	}

	return Outcome{Mask: modified, Bounded: bounded, Agg: agg, Metrics: m}
}

// #endregion apply
