// Package metrics computes the diagnostic scalar families that characterize
// rollout/training policy mismatch: weight-distribution statistics for the
// importance-sampling and rejection-sampling pipelines, veto rates, and the
// distribution-level KL/perplexity family.
//
// Every family is a flat Map with a stable, pre-enumerated key set. Consumers
// receive keys under the fixed "mismatch/" namespace applied by Prefix.
package metrics

import (
	"math"
	"sort"
)

// #region map-type

// Map is a flat metric-name → scalar mapping.
type Map map[string]float64

// Merge copies every entry of other into m and returns m.
func (m Map) Merge(other Map) Map {
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Keys returns the metric names in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prefix returns a new Map with every key under the mismatch namespace.
func Prefix(m Map) Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[Namespace+k] = v
	}
	return out
}

// #endregion map-type

// #region scalar-helpers

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdBessel is the sample standard deviation (n−1 denominator), 0 for
// fewer than two values.
func stdBessel(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func sliceMax(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	best := xs[0]
	for _, x := range xs[1:] {
		if x > best {
			best = x
		}
	}
	return best
}

func sliceMin(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	best := xs[0]
	for _, x := range xs[1:] {
		if x < best {
			best = x
		}
	}
	return best
}

func fraction(xs []float64, pred func(float64) bool) float64 {
	if len(xs) == 0 {
		return 0
	}
	n := 0
	for _, x := range xs {
		if pred(x) {
			n++
		}
	}
	return float64(n) / float64(len(xs))
}

// #endregion scalar-helpers
