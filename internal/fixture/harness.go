package fixture

import (
	"fmt"
	"math"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/correction"
)

// #region types

// defaultTolerance applies when a fixture leaves Tolerance at zero.
const defaultTolerance = 1e-9

// Outcome captures one fixture's replay: the engine result plus every
// mismatch against the recorded expectations.
type Outcome struct {
	Description string
	Passed      bool
	Failures    []string
	Result      correction.Result
}

// Summary provides aggregate stats from replaying a set of fixtures.
type Summary struct {
	Total  int
	Passed int
	Failed int
}

// #endregion types

// #region replay

// Replay runs the engine on the fixture's batch and compares the outputs
// against its expectations. An engine error (bad shapes, bad config) is
// returned as an error; expectation mismatches are reported in the Outcome.
func Replay(f *Fixture) (Outcome, error) {
	res, err := correction.Run(f.Batch.ToBatch(), f.Config)
	if err != nil {
		return Outcome{}, fmt.Errorf("replay %q: %w", f.Description, err)
	}

	out := Outcome{Description: f.Description, Result: res}
	if f.Expected == nil {
		out.Passed = true
		return out, nil
	}

	tol := f.Expected.Tolerance
	if tol == 0 {
		tol = defaultTolerance
	}

	for key, want := range f.Expected.Metrics {
		got, ok := res.Metrics[key]
		if !ok {
			out.Failures = append(out.Failures, fmt.Sprintf("metric %s: missing from result", key))
			continue
		}
		if math.Abs(got-want) > tol {
			out.Failures = append(out.Failures, fmt.Sprintf("metric %s: got %v, want %v", key, got, want))
		}
	}

	if f.Expected.Weights != nil {
		out.Failures = append(out.Failures, compareMatrix("weights", res.Weights, f.Expected.Weights, tol)...)
	}
	if f.Expected.Mask != nil {
		out.Failures = append(out.Failures, compareMatrix("mask", res.Mask, f.Expected.Mask, tol)...)
	}

	out.Passed = len(out.Failures) == 0
	return out, nil
}

// Summarize computes aggregate stats from replay outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

func compareMatrix(name string, got, want [][]float64, tol float64) []string {
	if got == nil {
		return []string{fmt.Sprintf("%s: expected but result has none", name)}
	}
	if len(got) != len(want) {
		return []string{fmt.Sprintf("%s: got %d rows, want %d", name, len(got), len(want))}
	}
	var failures []string
	for i := range want {
		if len(got[i]) != len(want[i]) {
			failures = append(failures, fmt.Sprintf("%s row %d: got %d cols, want %d", name, i, len(got[i]), len(want[i])))
			continue
		}
		for j := range want[i] {
			if math.Abs(got[i][j]-want[i][j]) > tol {
				failures = append(failures, fmt.Sprintf("%s[%d][%d]: got %v, want %v", name, i, j, got[i][j], want[i][j]))
			}
		}
	}
	return failures
}

// #endregion replay
