// Package fixture loads recorded correction steps from JSON and replays
// them through the engine, verifying metrics, weights, and mask against the
// recorded expectations. Fixtures captured from a live trainer double as
// regression tests and as portable reproductions of mismatch incidents.
package fixture

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
)

// #region fixture-types

// Fixture is the top-level JSON structure for one recorded correction step.
type Fixture struct {
	Description string        `json:"description"`
	Batch       FixtureBatch  `json:"batch"`
	Config      config.Config `json:"config"`
	Expected    *Expectation  `json:"expected,omitempty"`
}

// FixtureBatch mirrors batch.Batch with JSON tags.
type FixtureBatch struct {
	TrainingLogProbs [][]float64 `json:"training_log_probs"`
	RolloutLogProbs  [][]float64 `json:"rollout_log_probs"`
	ResponseMask     [][]float64 `json:"response_mask"`
}

// Expectation captures the recorded outputs a replay must reproduce.
// Metrics keys are fully namespaced. Weights and Mask are optional; nil
// means "don't check".
type Expectation struct {
	// Tolerance is the absolute per-value comparison tolerance; zero
	// defaults to 1e-9.
	Tolerance float64            `json:"tolerance"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Weights   [][]float64        `json:"weights,omitempty"`
	Mask      [][]float64        `json:"mask,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// Load reads and parses a JSON fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToBatch converts a FixtureBatch to a domain Batch.
func (fb *FixtureBatch) ToBatch() batch.Batch {
	return batch.Batch{
		TrainingLogProbs: fb.TrainingLogProbs,
		RolloutLogProbs:  fb.RolloutLogProbs,
		ResponseMask:     fb.ResponseMask,
	}
}

// #endregion fixture-loader
