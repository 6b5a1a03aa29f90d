package metrics

import (
	"math"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/ratio"
)

// #region mismatch-family

// Mismatch computes the distribution-level diagnostics characterizing how
// far the rollout policy has drifted from the training policy: perplexities
// of both policies, their per-sequence log-perplexity gap, the direct KL
// estimate, and the K3 KL estimator.
//
// The K3 estimator E[exp(lr) − lr − 1] is non-negative for any input and
// stays informative when the direct estimate is near zero; its
// exponentiation (and the per-sequence perplexity ratio's) goes through the
// safety bound. Rows with no valid tokens contribute neutral zeros to the
// per-sequence means.
func Mismatch(b batch.Batch, logRatio [][]float64) Map {
	mask := b.ResponseMask
	m := make(Map, len(mismatchKeys))

	// Per-sequence masked mean log-probs for both policies.
	meanTraining := batch.MaskedRowMeans(b.TrainingLogProbs, mask)
	meanRollout := batch.MaskedRowMeans(b.RolloutLogProbs, mask)

	trainingPPL := make([]float64, len(meanTraining))
	trainingLogPPL := make([]float64, len(meanTraining))
	rolloutPPL := make([]float64, len(meanRollout))
	rolloutLogPPL := make([]float64, len(meanRollout))
	for i := range meanTraining {
		trainingPPL[i] = math.Exp(-meanTraining[i])
		trainingLogPPL[i] = -meanTraining[i]
		rolloutPPL[i] = math.Exp(-meanRollout[i])
		rolloutLogPPL[i] = -meanRollout[i]
	}
	m[KeyTrainingPPL] = mean(trainingPPL)
	m[KeyTrainingLogPPL] = mean(trainingLogPPL)
	m[KeyRolloutPPL] = mean(rolloutPPL)
	m[KeyRolloutLogPPL] = mean(rolloutLogPPL)

	// KL(rollout || training) direct estimate: E[rollout − training] = E[−lr].
	m[KeyKL] = -batch.MaskedMean(logRatio, mask)

	// K3 estimator over valid tokens.
	var k3Sum float64
	var k3N int
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				lr := logRatio[i][j]
				k3Sum += ratio.SafeExp(lr) - lr - 1
				k3N++
			}
		}
	}
	if k3N > 0 {
		m[KeyK3KL] = k3Sum / float64(k3N)
	} else {
		m[KeyK3KL] = 0
	}

	// Per-sequence log-perplexity gap: positive means training assigns the
	// sequence lower probability than rollout did.
	diff := make([]float64, len(meanTraining))
	absDiff := make([]float64, len(meanTraining))
	pplRatio := make([]float64, len(meanTraining))
	for i := range meanTraining {
		d := meanRollout[i] - meanTraining[i]
		diff[i] = d
		absDiff[i] = math.Abs(d)
		pplRatio[i] = ratio.SafeExp(d)
	}
	m[KeyLogPPLDiff] = mean(diff)
	m[KeyLogPPLAbsDiff] = mean(absDiff)
	m[KeyLogPPLDiffMax] = sliceMax(diff)
	m[KeyLogPPLDiffMin] = sliceMin(diff)
	m[KeyPPLRatio] = mean(pplRatio)

	return m
}

// #endregion mismatch-family
