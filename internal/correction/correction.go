// Package correction is the rollout mismatch-correction engine: one pure
// call per training step that turns a batch of training/rollout
// log-probabilities into importance-sampling weights, a modified validity
// mask, and the mismatch diagnostic metrics.
//
// Weight correction and sample rejection are deliberately independent:
// rejection only removes entries from the validity mask that downstream
// loss aggregation divides by, and never alters the weights. The engine is
// stateless — every invocation allocates fresh outputs from its inputs and
// nothing is shared across calls.
package correction

import (
	"fmt"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/metrics"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/ratio"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/rejection"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/weights"
)

// #region result

// WeightsKey is the stable key the IS-weights array travels under when
// shipped across a process boundary.
const WeightsKey = "rollout_is_weights"

// Result is the per-step engine output.
type Result struct {
	// Weights is (B, T), nil when IS weighting is disabled.
	Weights [][]float64
	// Mask is the modified validity mask: the response mask with rejected
	// and vetoed positions zeroed. Never adds validity.
	Mask [][]float64
	// Metrics holds every diagnostic under the "mismatch/" namespace.
	Metrics metrics.Map
}

// WeightTensors wraps the weights in a one-entry container under
// WeightsKey; nil when IS weighting is disabled.
func (r Result) WeightTensors() map[string][][]float64 {
	if r.Weights == nil {
		return nil
	}
	return map[string][][]float64{WeightsKey: r.Weights}
}

// #endregion result

// #region run

// Run executes the full correction pipeline. It fails fast on an invalid
// config or mismatched array shapes, before any numeric work; a batch whose
// mask has no valid positions is not an error and yields neutral outputs.
func Run(b batch.Batch, cfg config.Config) (Result, error) {
	r, err := cfg.Resolve()
	if err != nil {
		return Result{}, fmt.Errorf("resolve config: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Result{}, fmt.Errorf("validate batch: %w", err)
	}

	logRatio := ratio.LogRatios(b.TrainingLogProbs, b.RolloutLogProbs)
	m := metrics.Map{}
	res := Result{Mask: batch.Clone(b.ResponseMask)}

	if r.ISLevel.Enabled() {
		w := weights.Compute(logRatio, b.ResponseMask, r)
		res.Weights = w.Final
		m.Merge(w.Metrics)
	}

	if r.RSLevel.Enabled() {
		out := rejection.Apply(logRatio, b.ResponseMask, r)
		res.Mask = out.Mask
		m.Merge(out.Metrics)
	}

	if r.VetoEnabled {
		v := rejection.Veto(logRatio, b.ResponseMask, r.Veto)
		for i, vetoed := range v.Vetoed {
			if vetoed {
				for j := range res.Mask[i] {
					res.Mask[i][j] = 0
				}
			}
		}
		m[metrics.KeyVetoFraction] = v.VetoFraction
		m[metrics.KeyCatastrophicTokenFraction] = v.CatastrophicTokenFraction
	} else {
		m[metrics.KeyVetoFraction] = 0
		m[metrics.KeyCatastrophicTokenFraction] = 0
	}

	m.Merge(metrics.Mismatch(b, logRatio))

	res.Metrics = metrics.Prefix(m)
	return res, nil
}

// #endregion run
