package metrics

import (
	"sort"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
)

// #region key-inventory

// Namespace prefixes every emitted metric key.
const Namespace = "mismatch/"

// Family prefixes for the two weight pipelines.
const (
	FamilyIS = "rollout_is"
	FamilyRS = "rollout_rs"
)

// Veto metrics, always present (0.0 when the veto is disabled).
const (
	KeyVetoFraction              = "rollout_is_veto_fraction"
	KeyCatastrophicTokenFraction = "rollout_is_catastrophic_token_fraction"
)

// Rejection-rate metrics, present whenever rejection sampling is enabled.
const (
	KeyMaskedFraction    = "rollout_rs_masked_fraction"
	KeySeqMaskedFraction = "rollout_rs_seq_masked_fraction"
)

// Distribution-mismatch metrics, always present.
const (
	KeyTrainingPPL    = "mismatch_training_ppl"
	KeyTrainingLogPPL = "mismatch_training_log_ppl"
	KeyRolloutPPL     = "mismatch_rollout_ppl"
	KeyRolloutLogPPL  = "mismatch_rollout_log_ppl"
	KeyKL             = "mismatch_kl"
	KeyK3KL           = "mismatch_k3_kl"
	KeyLogPPLDiff     = "mismatch_log_ppl_diff"
	KeyLogPPLAbsDiff  = "mismatch_log_ppl_abs_diff"
	KeyLogPPLDiffMax  = "mismatch_log_ppl_diff_max"
	KeyLogPPLDiffMin  = "mismatch_log_ppl_diff_min"
	KeyPPLRatio       = "mismatch_ppl_ratio"
)

// weightSuffixes enumerate the per-family weight statistics; actual keys are
// family + suffix (e.g. "rollout_is_mean").
var weightSuffixes = []string{
	"_mean",
	"_std",
	"_max",
	"_min",
	"_ratio_fraction_high",
	"_ratio_fraction_low",
	"_eff_sample_size",
	"_seq_mean",
	"_seq_std",
	"_seq_max",
	"_seq_min",
	"_seq_max_deviation",
	"_seq_fraction_high",
	"_seq_fraction_low",
}

var mismatchKeys = []string{
	KeyTrainingPPL,
	KeyTrainingLogPPL,
	KeyRolloutPPL,
	KeyRolloutLogPPL,
	KeyKL,
	KeyK3KL,
	KeyLogPPLDiff,
	KeyLogPPLAbsDiff,
	KeyLogPPLDiffMax,
	KeyLogPPLDiffMin,
	KeyPPLRatio,
}

// ExpectedKeys returns the sorted, unprefixed key set a correction run with
// the given resolved config emits. Tests and sinks use it to check "all
// expected keys present" exhaustively.
func ExpectedKeys(r config.Resolved) []string {
	keys := make([]string, 0, 48)
	keys = append(keys, mismatchKeys...)
	keys = append(keys, KeyVetoFraction, KeyCatastrophicTokenFraction)
	if r.ISLevel.Enabled() {
		for _, s := range weightSuffixes {
			keys = append(keys, FamilyIS+s)
		}
	}
	if r.RSLevel.Enabled() {
		for _, s := range weightSuffixes {
			keys = append(keys, FamilyRS+s)
		}
		keys = append(keys, KeyMaskedFraction, KeySeqMaskedFraction)
	}
	sort.Strings(keys)
	return keys
}

// #endregion key-inventory
