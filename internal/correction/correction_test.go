package correction

import (
	"math"
	"strings"
	"testing"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/metrics"
)

func fp(v float64) *float64 { return &v }

func TestRunIdenticalPoliciesIsNeutral(t *testing.T) {
	lp := [][]float64{
		{-0.5, -1.2, -2.0, -3.0},
		{-1.0, -1.0, -4.0, -4.0},
	}
	b := batch.Batch{
		TrainingLogProbs: lp,
		RolloutLogProbs:  batch.Clone(lp),
		ResponseMask:     [][]float64{{1, 1, 1, 0}, {1, 1, 0, 0}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelToken
	cfg.RSLevel = config.LevelToken
	cfg.VetoThreshold = fp(1e-4)

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, row := range b.ResponseMask {
		for j, v := range row {
			if v > 0 && res.Weights[i][j] != 1.0 {
				t.Fatalf("weight at (%d,%d): got %v, want 1.0", i, j, res.Weights[i][j])
			}
			if v == 0 && res.Weights[i][j] != 0 {
				t.Fatalf("weight at invalid (%d,%d): got %v, want 0", i, j, res.Weights[i][j])
			}
			if res.Mask[i][j] != v {
				t.Fatalf("mask at (%d,%d): got %v, want %v", i, j, res.Mask[i][j], v)
			}
		}
	}
	if got := res.Metrics["mismatch/"+metrics.KeyKL]; got != 0 {
		t.Fatalf("kl: got %v, want 0", got)
	}
	if got := res.Metrics["mismatch/"+metrics.KeyK3KL]; got != 0 {
		t.Fatalf("k3: got %v, want 0", got)
	}
	if got := res.Metrics["mismatch/"+metrics.KeyVetoFraction]; got != 0 {
		t.Fatalf("veto_fraction: got %v, want 0", got)
	}
	if got := res.Metrics["mismatch/"+metrics.KeyMaskedFraction]; got != 0 {
		t.Fatalf("masked_fraction: got %v, want 0", got)
	}
}

func TestRunVetoZeroesMaskNotWeights(t *testing.T) {
	// One sequence, four valid tokens, log ratios [0, 0, 0, -12]. The last
	// token's raw ratio exp(-12) sits far below the 1e-4 veto threshold:
	// the whole sequence leaves the mask, while the IS weights keep their
	// computed values.
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0, -1.0, -1.0, -13.0}},
		RolloutLogProbs:  [][]float64{{-1.0, -1.0, -1.0, -1.0}},
		ResponseMask:     [][]float64{{1, 1, 1, 1}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelToken
	cfg.VetoThreshold = fp(1e-4)

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []float64{1, 1, 1, math.Exp(-12)}
	for j, w := range res.Weights[0] {
		if w != want[j] {
			t.Fatalf("weight %d: got %v, want %v", j, w, want[j])
		}
	}
	for j, v := range res.Mask[0] {
		if v != 0 {
			t.Fatalf("mask %d: got %v, want vetoed 0", j, v)
		}
	}
	if got := res.Metrics["mismatch/"+metrics.KeyVetoFraction]; got != 1.0 {
		t.Fatalf("veto_fraction: got %v, want 1.0", got)
	}
	if got := res.Metrics["mismatch/"+metrics.KeyCatastrophicTokenFraction]; got != 0.25 {
		t.Fatalf("catastrophic_token_fraction: got %v, want 0.25", got)
	}
}

func TestRunSequenceTruncation(t *testing.T) {
	// Valid log ratios sum to log(3) > log(2): the broadcast sequence
	// weight truncates to exactly the threshold at every valid position.
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0 + math.Log(1.5), -1.0 + math.Log(2.0), -1.0}},
		RolloutLogProbs:  [][]float64{{-1.0, -1.0, -1.0}},
		ResponseMask:     [][]float64{{1, 1, 0}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelSequence
	cfg.ISThreshold = 2.0

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Weights[0][0] != 2.0 || res.Weights[0][1] != 2.0 {
		t.Fatalf("weights: got %v, want exactly 2.0 at valid positions", res.Weights[0])
	}
	if res.Weights[0][2] != 0 {
		t.Fatalf("weight at padding: got %v, want 0", res.Weights[0][2])
	}
	// No rejection configured: the mask passes through.
	for j, v := range res.Mask[0] {
		if v != b.ResponseMask[0][j] {
			t.Fatalf("mask %d: got %v, want %v", j, v, b.ResponseMask[0][j])
		}
	}
}

func TestRunMaskModeTokenRejection(t *testing.T) {
	// Mask mode: weights stay at their safety-bounded values [0.4, 1.0, 2.5]
	// and thresholding is delegated entirely to the rejection mask, which
	// zeroes the two positions outside [0.5, 2.0].
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0 + math.Log(0.4), -1.0, -1.0 + math.Log(2.5)}},
		RolloutLogProbs:  [][]float64{{-1.0, -1.0, -1.0}},
		ResponseMask:     [][]float64{{1, 1, 1}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelToken
	cfg.Mode = config.ModeMask
	cfg.RSLevel = config.LevelToken
	cfg.RSThreshold = fp(2.0)
	cfg.RSThresholdLower = fp(0.5)

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantW := []float64{0.4, 1.0, 2.5}
	for j, w := range res.Weights[0] {
		if math.Abs(w-wantW[j]) > 1e-12 {
			t.Fatalf("weight %d: got %v, want %v", j, w, wantW[j])
		}
	}
	wantM := []float64{0, 1, 0}
	for j, v := range res.Mask[0] {
		if v != wantM[j] {
			t.Fatalf("mask %d: got %v, want %v", j, v, wantM[j])
		}
	}
	if got := res.Metrics["mismatch/"+metrics.KeyMaskedFraction]; math.Abs(got-2.0/3.0) > 1e-15 {
		t.Fatalf("masked_fraction: got %v, want 2/3", got)
	}
}

func TestRunMetricsOnlyConfig(t *testing.T) {
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0, -2.0}},
		RolloutLogProbs:  [][]float64{{-1.5, -1.5}},
		ResponseMask:     [][]float64{{1, 1}},
	}

	res, err := Run(b, config.DefaultConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Weights != nil {
		t.Fatal("expected nil weights with IS disabled")
	}
	if res.WeightTensors() != nil {
		t.Fatal("expected nil weight tensors with IS disabled")
	}
	// Mask is a fresh copy: mutating the result leaves the input alone.
	res.Mask[0][0] = 0
	if b.ResponseMask[0][0] != 1 {
		t.Fatal("result mask aliases the input response mask")
	}
	// Mismatch family plus the veto pair, nothing else.
	if len(res.Metrics) != 13 {
		t.Fatalf("expected 13 metrics, got %d: %v", len(res.Metrics), res.Metrics.Keys())
	}
	for _, k := range res.Metrics.Keys() {
		if !strings.HasPrefix(k, "mismatch/") {
			t.Fatalf("unprefixed metric key %s", k)
		}
	}
}

func TestRunEmitsExpectedKeyInventory(t *testing.T) {
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0, -2.0}},
		RolloutLogProbs:  [][]float64{{-1.5, -1.5}},
		ResponseMask:     [][]float64{{1, 1}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelToken
	cfg.RSLevel = config.LevelGeometric
	cfg.VetoThreshold = fp(1e-4)

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	r, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := metrics.ExpectedKeys(r)
	got := res.Metrics.Keys()
	if len(got) != len(want) {
		t.Fatalf("key count: got %d, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i] != "mismatch/"+k {
			t.Fatalf("key %d: got %s, want %s", i, got[i], "mismatch/"+k)
		}
	}
}

func TestRunRejectionLeavesWeightsIntact(t *testing.T) {
	// Sequence-level rejection throws the row out of the mask; the
	// token-level IS weights are computed from the same ratios and must not
	// change because of it.
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0 + math.Log(1.5), -1.0 + math.Log(2.0)}},
		RolloutLogProbs:  [][]float64{{-1.0, -1.0}},
		ResponseMask:     [][]float64{{1, 1}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelToken
	cfg.RSLevel = config.LevelSequence

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Mask[0][0] != 0 || res.Mask[0][1] != 0 {
		t.Fatalf("expected row rejected (sum log 3 > log 2), got mask %v", res.Mask[0])
	}
	if math.Abs(res.Weights[0][0]-1.5) > 1e-12 || math.Abs(res.Weights[0][1]-2.0) > 1e-12 {
		t.Fatalf("weights: got %v, want [1.5, 2.0]", res.Weights[0])
	}
}

func TestRunMaskNeverAddsValidity(t *testing.T) {
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0, -1.0, -9.0}},
		RolloutLogProbs:  [][]float64{{-1.0, -1.0, -1.0}},
		ResponseMask:     [][]float64{{1, 0, 1}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelToken
	cfg.RSLevel = config.LevelToken
	cfg.VetoThreshold = fp(1e-2)

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for j, v := range res.Mask[0] {
		if v > b.ResponseMask[0][j] {
			t.Fatalf("mask %d gained validity: %v > %v", j, v, b.ResponseMask[0][j])
		}
	}
	if res.Mask[0][1] != 0 {
		t.Fatalf("padding position revalidated: %v", res.Mask[0][1])
	}
}

func TestRunAllMaskedBatchIsNeutral(t *testing.T) {
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0, -2.0}},
		RolloutLogProbs:  [][]float64{{-3.0, -4.0}},
		ResponseMask:     [][]float64{{0, 0}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelSequence
	cfg.RSLevel = config.LevelSequence
	cfg.VetoThreshold = fp(1e-4)

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Empty aggregate is a no-op ratio of 1.0, confined to invalid
	// positions, so the emitted weight matrix is all zeros.
	if res.Weights[0][0] != 0 || res.Weights[0][1] != 0 {
		t.Fatalf("weights: got %v, want zeros", res.Weights[0])
	}
	if got := res.Metrics["mismatch/rollout_is_eff_sample_size"]; got != 0 {
		t.Fatalf("eff_sample_size: got %v, want neutral 0", got)
	}
	if got := res.Metrics["mismatch/"+metrics.KeyVetoFraction]; got != 0 {
		t.Fatalf("veto_fraction: got %v, want 0", got)
	}
	if got := res.Metrics["mismatch/"+metrics.KeyKL]; got != 0 {
		t.Fatalf("kl: got %v, want neutral 0", got)
	}
}

func TestRunRejectsInvalidInput(t *testing.T) {
	good := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0}},
		RolloutLogProbs:  [][]float64{{-1.0}},
		ResponseMask:     [][]float64{{1}},
	}

	ragged := good
	ragged.RolloutLogProbs = [][]float64{{-1.0, -2.0}}
	if _, err := Run(ragged, config.DefaultConfig()); err == nil {
		t.Fatal("expected shape error")
	}

	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelGeometric
	if _, err := Run(good, cfg); err == nil {
		t.Fatal("expected config error for geometric IS level")
	}
}

func TestWeightTensorsUsesStableKey(t *testing.T) {
	b := batch.Batch{
		TrainingLogProbs: [][]float64{{-1.0}},
		RolloutLogProbs:  [][]float64{{-1.0}},
		ResponseMask:     [][]float64{{1}},
	}
	cfg := config.DefaultConfig()
	cfg.ISLevel = config.LevelToken

	res, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tensors := res.WeightTensors()
	if tensors == nil {
		t.Fatal("expected weight tensors with IS enabled")
	}
	w, ok := tensors[WeightsKey]
	if !ok {
		t.Fatalf("missing %q entry, got %v", WeightsKey, tensors)
	}
	if &w[0][0] != &res.Weights[0][0] {
		t.Fatal("tensor entry should reference the result weights")
	}
}
