// Package batch holds the padded log-probability batch consumed by the
// correction pipeline and the masked reductions shared by its stages.
//
// All matrices are row-major (B, T): B sequences padded to a common length T.
// A position (b, t) is valid iff the response mask entry is > 0. Values at
// invalid positions are defined but must only be read through the masked
// reductions in this package.
package batch

import "fmt"

// #region batch-type

// Batch is the immutable per-step input: per-token log-probabilities from the
// training and rollout policies plus the response-validity mask, all (B, T).
// Nothing in the pipeline mutates a Batch; every output is a fresh matrix.
type Batch struct {
	TrainingLogProbs [][]float64
	RolloutLogProbs  [][]float64
	ResponseMask     [][]float64
}

// Rows returns B, the number of sequences.
func (b Batch) Rows() int {
	return len(b.ResponseMask)
}

// Cols returns T, the padded sequence length (0 for an empty batch).
func (b Batch) Cols() int {
	if len(b.ResponseMask) == 0 {
		return 0
	}
	return len(b.ResponseMask[0])
}

// #endregion batch-type

// #region validate

// Validate checks that the three matrices share one rectangular (B, T) shape.
// Shape disagreement is an error; the pipeline never broadcasts silently.
func (b Batch) Validate() error {
	rows := len(b.TrainingLogProbs)
	if len(b.RolloutLogProbs) != rows {
		return fmt.Errorf("rollout_log_probs has %d rows, training_log_probs has %d", len(b.RolloutLogProbs), rows)
	}
	if len(b.ResponseMask) != rows {
		return fmt.Errorf("response_mask has %d rows, training_log_probs has %d", len(b.ResponseMask), rows)
	}
	cols := -1
	for i := 0; i < rows; i++ {
		if cols == -1 {
			cols = len(b.TrainingLogProbs[i])
		}
		if len(b.TrainingLogProbs[i]) != cols {
			return fmt.Errorf("training_log_probs row %d has %d cols, want %d", i, len(b.TrainingLogProbs[i]), cols)
		}
		if len(b.RolloutLogProbs[i]) != cols {
			return fmt.Errorf("rollout_log_probs row %d has %d cols, want %d", i, len(b.RolloutLogProbs[i]), cols)
		}
		if len(b.ResponseMask[i]) != cols {
			return fmt.Errorf("response_mask row %d has %d cols, want %d", i, len(b.ResponseMask[i]), cols)
		}
	}
	return nil
}

// #endregion validate

// #region matrix-helpers

// Zeros allocates a zero-filled (rows, cols) matrix with one backing array.
func Zeros(rows, cols int) [][]float64 {
	backing := make([]float64, rows*cols)
	m := make([][]float64, rows)
	for i := range m {
		m[i] = backing[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return m
}

// Clone returns a deep copy of m.
func Clone(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = make([]float64, len(row))
		copy(out[i], row)
	}
	return out
}

// #endregion matrix-helpers

// #region masked-reductions

// CountValid returns the number of valid positions in mask.
func CountValid(mask [][]float64) int {
	n := 0
	for _, row := range mask {
		for _, v := range row {
			if v > 0 {
				n++
			}
		}
	}
	return n
}

// MaskedMean averages values over valid positions. Zero valid positions
// yield 0, never a division error.
func MaskedMean(values, mask [][]float64) float64 {
	var sum float64
	var n int
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				sum += values[i][j]
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MaskedRowSums sums values over the valid positions of each row.
// A row with no valid positions sums to 0.
func MaskedRowSums(values, mask [][]float64) []float64 {
	out := make([]float64, len(mask))
	for i, row := range mask {
		for j, v := range row {
			if v > 0 {
				out[i] += values[i][j]
			}
		}
	}
	return out
}

// MaskedRowMeans averages values over the valid positions of each row.
// A row with no valid positions averages to 0.
func MaskedRowMeans(values, mask [][]float64) []float64 {
	out := make([]float64, len(mask))
	for i, row := range mask {
		var sum float64
		var n int
		for j, v := range row {
			if v > 0 {
				sum += values[i][j]
				n++
			}
		}
		if n > 0 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// MaskedMin returns the minimum of values over valid positions, 0 when none.
func MaskedMin(values, mask [][]float64) float64 {
	best := 0.0
	found := false
	for i, row := range mask {
		for j, v := range row {
			if v <= 0 {
				continue
			}
			if !found || values[i][j] < best {
				best = values[i][j]
				found = true
			}
		}
	}
	return best
}

// MaskedMax returns the maximum of values over valid positions, 0 when none.
func MaskedMax(values, mask [][]float64) float64 {
	best := 0.0
	found := false
	for i, row := range mask {
		for j, v := range row {
			if v <= 0 {
				continue
			}
			if !found || values[i][j] > best {
				best = values[i][j]
				found = true
			}
		}
	}
	return best
}

// #endregion masked-reductions
