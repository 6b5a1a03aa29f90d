package rejection

import "math"

// #region veto

// VetoOutcome reports the per-token veto decision and its two rates.
type VetoOutcome struct {
	// Vetoed marks sequences containing at least one catastrophic token.
	Vetoed []bool
	// VetoFraction is the fraction of sequences vetoed.
	VetoFraction float64
	// CatastrophicTokenFraction is the fraction of valid tokens that are
	// individually catastrophic, before sequence propagation.
	CatastrophicTokenFraction float64
}

// Veto flags every sequence holding a valid token whose raw probability
// ratio falls below threshold. The check runs in log space on the
// unaggregated, unbounded log-ratio — the veto must see true extremes, so
// the safety bound deliberately does not apply here — and any hit rejects
// the whole sequence.
func Veto(logRatio, mask [][]float64, threshold float64) VetoOutcome {
	logThreshold := math.Log(threshold)

	out := VetoOutcome{Vetoed: make([]bool, len(mask))}
	var catastrophic, valid, vetoedRows int
	for i, row := range mask {
		for j, v := range row {
			if v <= 0 {
				continue
			}
			valid++
			if logRatio[i][j] < logThreshold {
				catastrophic++
				out.Vetoed[i] = true
			}
		}
		if out.Vetoed[i] {
			vetoedRows++
		}
	}
	if len(mask) > 0 {
		out.VetoFraction = float64(vetoedRows) / float64(len(mask))
	}
	if valid > 0 {
		out.CatastrophicTokenFraction = float64(catastrophic) / float64(valid)
	}
	return out
}

// #endregion veto
