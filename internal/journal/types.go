package journal

import (
	"time"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/metrics"
)

// #region records

// RunRecord is one recorded correction run: a fixed engine config applied
// across a series of training steps.
type RunRecord struct {
	RunID     string
	Label     string
	Config    config.Config
	CreatedAt time.Time
}

// StepRecord is the persisted outcome of a single correction step.
type StepRecord struct {
	RunID        string
	Step         int
	BatchSize    int
	ValidTokens  int
	MaskedTokens int
	Metrics      metrics.Map
	// BatchJSON optionally holds the raw step batch (fixture batch JSON
	// shape) so the step can later be exported as a replay fixture; empty
	// when the caller chose not to record batches.
	BatchJSON string
	CreatedAt time.Time
}

// HasBatch reports whether the step recorded its input batch.
func (r StepRecord) HasBatch() bool {
	return r.BatchJSON != ""
}

// #endregion records
