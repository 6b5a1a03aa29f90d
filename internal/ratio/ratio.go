// Package ratio computes per-token policy log-ratios, aggregates them to a
// configured granularity, and exponentiates them under a fixed safety bound.
//
// All work stays in log space until the final exponentiation. The safety
// bound exists solely to prevent floating-point overflow/underflow; it is
// not a statistical threshold, and diagnostics that need true extremes read
// the unbounded log-space values instead.
package ratio

import (
	"math"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
)

// #region safety-bound

// SafetyBound clamps log-ratios to ±20 before exponentiation, bounding
// ratios to roughly [2e-9, 4.85e8].
const SafetyBound = 20.0

// SafeExp exponentiates x with the log-space argument clamped into
// [-SafetyBound, SafetyBound].
func SafeExp(x float64) float64 {
	if x > SafetyBound {
		x = SafetyBound
	}
	if x < -SafetyBound {
		x = -SafetyBound
	}
	return math.Exp(x)
}

// #endregion safety-bound

// #region log-ratio

// LogRatios computes training − rollout per token. Shapes are assumed
// already validated; values at invalid positions are defined but only
// reachable through masked reductions downstream.
func LogRatios(training, rollout [][]float64) [][]float64 {
	out := make([][]float64, len(training))
	for i, row := range training {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = v - rollout[i][j]
		}
	}
	return out
}

// #endregion log-ratio

// #region aggregate

// Aggregated is a log-ratio matrix reduced to one granularity.
//
// Log is (B, T): per-sequence levels broadcast the row value to every valid
// position and leave invalid positions at 0; the token level passes the raw
// matrix through unchanged. Rows holds the per-sequence log aggregate for
// sequence and geometric levels (nil for token) — sequence-level decisions
// and diagnostics read it directly instead of probing broadcast columns.
type Aggregated struct {
	Level config.Level
	Log   [][]float64
	Rows  []float64
}

// Aggregate reduces logRatio to the given level. Sequence sums and
// geometric means a row's valid log-ratios; a row with no valid positions
// aggregates to 0, a no-op ratio of 1 after exponentiation. Token (the
// identity aggregation) is also the fallback for any other level, which
// config validation has already excluded.
func Aggregate(logRatio, mask [][]float64, level config.Level) Aggregated {
	switch level {
	case config.LevelSequence:
		return broadcast(logRatio, mask, level, batch.MaskedRowSums(logRatio, mask))
	case config.LevelGeometric:
		return broadcast(logRatio, mask, level, batch.MaskedRowMeans(logRatio, mask))
	default:
		return Aggregated{Level: config.LevelToken, Log: batch.Clone(logRatio)}
	}
}

func broadcast(logRatio, mask [][]float64, level config.Level, rows []float64) Aggregated {
	cols := 0
	if len(mask) > 0 {
		cols = len(mask[0])
	}
	log := batch.Zeros(len(mask), cols)
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				log[i][j] = rows[i]
			}
		}
	}
	return Aggregated{Level: level, Log: log, Rows: rows}
}

// #endregion aggregate

// #region bounded

// Bounded exponentiates the aggregate under the safety bound: valid
// positions get exp(clamp(log, ±SafetyBound)), invalid positions stay 0.
func (a Aggregated) Bounded(mask [][]float64) [][]float64 {
	out := batch.Zeros(len(a.Log), cols(a.Log))
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				out[i][j] = SafeExp(a.Log[i][j])
			}
		}
	}
	return out
}

func cols(m [][]float64) int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// #endregion bounded
