package metrics

import (
	"math"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/ratio"
)

// #region weight-family

// WeightFamily computes the 14 weight-distribution statistics shared by the
// IS and RS pipelines, keyed family + suffix.
//
// The min/max/exceedance convention deliberately differs by granularity:
// sequence and geometric levels read the UNBOUNDED per-row log aggregate
// (max upper-clamped at the safety bound before exponentiating, min not
// clamped at all, exceedance compared in log space) so true extremes stay
// visible; the token level reads the safety-bounded pre-threshold weights.
// Mean comes from the final weights; std and the effective sample size are
// computed over weights clamped into [lower, upper] to keep the squared
// terms stable. A batch with no valid positions yields neutral values.
func WeightFamily(family string, agg ratio.Aggregated, final, bounded, mask [][]float64, upper, lower float64) Map {
	m := make(Map, len(weightSuffixes))

	m[family+"_mean"] = batch.MaskedMean(final, mask)

	if agg.Level.PerSequence() {
		if len(agg.Rows) == 0 {
			m[family+"_max"] = 0
			m[family+"_min"] = 0
		} else {
			logMax := sliceMax(agg.Rows)
			if logMax > ratio.SafetyBound {
				logMax = ratio.SafetyBound
			}
			m[family+"_max"] = math.Exp(logMax)
			m[family+"_min"] = math.Exp(sliceMin(agg.Rows))
		}

		logUpper := math.Log(upper)
		logLower := math.Log(lower)
		if agg.Level == config.LevelGeometric {
			// Token-weighted: each sequence counts once per valid token.
			m[family+"_ratio_fraction_high"] = maskedFractionAbove(agg.Log, mask, logUpper)
			m[family+"_ratio_fraction_low"] = maskedFractionBelow(agg.Log, mask, logLower)
		} else {
			m[family+"_ratio_fraction_high"] = fraction(agg.Rows, func(x float64) bool { return x > logUpper })
			m[family+"_ratio_fraction_low"] = fraction(agg.Rows, func(x float64) bool { return x < logLower })
		}
	} else {
		m[family+"_max"] = batch.MaskedMax(bounded, mask)
		m[family+"_min"] = batch.MaskedMin(bounded, mask)
		m[family+"_ratio_fraction_high"] = maskedFractionAbove(bounded, mask, upper)
		m[family+"_ratio_fraction_low"] = maskedFractionBelow(bounded, mask, lower)
	}

	m[family+"_std"] = clampedStd(final, mask, lower, upper)
	m[family+"_eff_sample_size"] = effectiveSampleSize(final, mask, lower, upper)

	seqW := batch.MaskedRowMeans(final, mask)
	m[family+"_seq_mean"] = mean(seqW)
	m[family+"_seq_std"] = stdBessel(seqW)
	m[family+"_seq_max"] = sliceMax(seqW)
	m[family+"_seq_min"] = sliceMin(seqW)
	m[family+"_seq_max_deviation"] = maxDeviation(seqW)
	m[family+"_seq_fraction_high"] = fraction(seqW, func(x float64) bool { return x > upper })
	m[family+"_seq_fraction_low"] = fraction(seqW, func(x float64) bool { return x < lower })

	return m
}

// #endregion weight-family

// #region family-helpers

func maskedFractionAbove(values, mask [][]float64, threshold float64) float64 {
	var hits, n int
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				n++
				if values[i][j] > threshold {
					hits++
				}
			}
		}
	}
	if n == 0 {
		return 0
	}
	return float64(hits) / float64(n)
}

func maskedFractionBelow(values, mask [][]float64, threshold float64) float64 {
	var hits, n int
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				n++
				if values[i][j] < threshold {
					hits++
				}
			}
		}
	}
	if n == 0 {
		return 0
	}
	return float64(hits) / float64(n)
}

// clampedStd is the population standard deviation of weights clamped into
// [lower, upper] over valid positions, 0 for fewer than two.
func clampedStd(weights, mask [][]float64, lower, upper float64) float64 {
	var sum, sumSq float64
	var n int
	for i, row := range mask {
		for j, v := range row {
			if v <= 0 {
				continue
			}
			w := clamp(weights[i][j], lower, upper)
			sum += w
			sumSq += w * w
			n++
		}
	}
	if n < 2 {
		return 0
	}
	m := sum / float64(n)
	variance := sumSq/float64(n) - m*m
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// effectiveSampleSize is 1 / E[(w/E[w])²] over valid positions, with
// weights clamped into [lower, upper]; approximately (0, 1], 0 for an
// empty mask.
func effectiveSampleSize(weights, mask [][]float64, lower, upper float64) float64 {
	var sum float64
	var n int
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				sum += clamp(weights[i][j], lower, upper)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	m := sum / float64(n)
	var sumSq float64
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				norm := clamp(weights[i][j], lower, upper) / (m + 1e-8)
				sumSq += norm * norm
			}
		}
	}
	meanSq := sumSq / float64(n)
	if meanSq == 0 {
		return 0
	}
	return 1.0 / meanSq
}

func maxDeviation(xs []float64) float64 {
	var best float64
	for _, x := range xs {
		d := math.Abs(x - 1.0)
		if d > best {
			best = d
		}
	}
	return best
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// #endregion family-helpers
