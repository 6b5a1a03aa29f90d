// Package config defines the correction engine's configuration: aggregation
// levels for importance-sampling weights and rejection sampling, their
// thresholds, the weight bounding mode, and the per-token veto threshold.
//
// Optional thresholds are pointers so an absent YAML key means
// "default/disabled". Defaulting happens exactly once, in Resolve; the
// numeric pipeline only ever sees fully-resolved values.
package config

import "fmt"

// #region enums

// Level selects the aggregation granularity of a correction mechanism.
// The empty level disables the mechanism.
type Level string

const (
	LevelNone      Level = ""
	LevelToken     Level = "token"
	LevelSequence  Level = "sequence"
	LevelGeometric Level = "geometric"
)

// Enabled reports whether the level activates its mechanism.
func (l Level) Enabled() bool {
	return l != LevelNone
}

// PerSequence reports whether the level aggregates to one value per sequence.
func (l Level) PerSequence() bool {
	return l == LevelSequence || l == LevelGeometric
}

// Mode selects how bounded ratios become final IS weights.
type Mode string

const (
	// ModeTruncate clamps weights at the upper IS threshold.
	ModeTruncate Mode = "truncate"
	// ModeMask leaves weights at their safety-bounded values; outlier
	// handling is delegated entirely to the rejection pipeline.
	ModeMask Mode = "mask"
)

// #endregion enums

// #region config

// Config is the immutable per-step configuration. IS weighting, rejection
// sampling, and the veto are independent: each may be enabled or disabled
// on its own and they compose arbitrarily.
type Config struct {
	// ISLevel aggregates IS weights per token or per sequence.
	// Geometric aggregation is a rejection-sampling-only level.
	ISLevel Level `yaml:"is_level" json:"is_level"`
	// ISThreshold is the upper weight bound in truncate mode (default 2.0).
	ISThreshold float64 `yaml:"is_threshold" json:"is_threshold"`
	// Mode is the weight bounding mode; empty defaults to truncate.
	Mode Mode `yaml:"mode" json:"mode"`
	// RSLevel aggregates rejection decisions per token, sequence, or
	// geometric mean.
	RSLevel Level `yaml:"rs_level" json:"rs_level"`
	// RSThreshold is the upper rejection bound; nil defaults to ISThreshold.
	RSThreshold *float64 `yaml:"rs_threshold" json:"rs_threshold,omitempty"`
	// RSThresholdLower is the lower rejection bound; nil defaults to the
	// reciprocal of the resolved upper bound.
	RSThresholdLower *float64 `yaml:"rs_threshold_lower" json:"rs_threshold_lower,omitempty"`
	// VetoThreshold rejects any sequence containing a token whose raw
	// (unbounded) probability ratio falls below it; nil disables the veto.
	VetoThreshold *float64 `yaml:"veto_threshold" json:"veto_threshold,omitempty"`
}

// DefaultConfig returns the metrics-only posture: both correction
// mechanisms and the veto disabled, thresholds at their documented defaults.
func DefaultConfig() Config {
	return Config{
		ISLevel:     LevelNone,
		ISThreshold: 2.0,
		Mode:        ModeTruncate,
		RSLevel:     LevelNone,
	}
}

// #endregion config

// #region validate

// Validate checks enum strings and threshold positivity before any numeric
// work. Thresholds are only validated for mechanisms that are enabled; the
// veto threshold is validated whenever present, since presence enables it.
func (c Config) Validate() error {
	switch c.ISLevel {
	case LevelNone, LevelToken, LevelSequence:
	case LevelGeometric:
		return fmt.Errorf("is_level %q: geometric aggregation applies to rejection sampling only", c.ISLevel)
	default:
		return fmt.Errorf("is_level %q: must be token or sequence, or empty to disable", c.ISLevel)
	}
	switch c.RSLevel {
	case LevelNone, LevelToken, LevelSequence, LevelGeometric:
	default:
		return fmt.Errorf("rs_level %q: must be token, sequence, or geometric, or empty to disable", c.RSLevel)
	}
	switch c.Mode {
	case "", ModeTruncate, ModeMask:
	default:
		return fmt.Errorf("mode %q: must be truncate or mask", c.Mode)
	}

	if c.ISLevel.Enabled() && c.ISThreshold <= 0 {
		return fmt.Errorf("is_threshold must be positive, got %v", c.ISThreshold)
	}
	if c.RSLevel.Enabled() {
		upper := c.ISThreshold
		if c.RSThreshold != nil {
			upper = *c.RSThreshold
		}
		if upper <= 0 {
			return fmt.Errorf("rs_threshold must be positive, got %v", upper)
		}
		lower := 1.0 / upper
		if c.RSThresholdLower != nil {
			lower = *c.RSThresholdLower
		}
		if lower <= 0 {
			return fmt.Errorf("rs_threshold_lower must be positive, got %v", lower)
		}
		if lower >= upper {
			return fmt.Errorf("rs_threshold_lower %v must be below rs_threshold %v", lower, upper)
		}
	}
	if c.VetoThreshold != nil && *c.VetoThreshold <= 0 {
		return fmt.Errorf("veto_threshold must be positive, got %v", *c.VetoThreshold)
	}
	return nil
}

// #endregion validate

// #region resolve

// Resolved is a Config with every optional defaulted: the numeric pipeline
// reads these values without re-checking nil anywhere.
type Resolved struct {
	ISLevel     Level
	ISThreshold float64
	Mode        Mode
	RSLevel     Level
	RSUpper     float64
	RSLower     float64
	VetoEnabled bool
	Veto        float64
}

// Resolve validates c and applies the defaulting chain: mode → truncate,
// rs_threshold → is_threshold, rs_threshold_lower → 1/rs_threshold.
func (c Config) Resolve() (Resolved, error) {
	if err := c.Validate(); err != nil {
		return Resolved{}, err
	}

	r := Resolved{
		ISLevel:     c.ISLevel,
		ISThreshold: c.ISThreshold,
		Mode:        c.Mode,
		RSLevel:     c.RSLevel,
	}
	if r.Mode == "" {
		r.Mode = ModeTruncate
	}
	if c.RSLevel.Enabled() {
		r.RSUpper = c.ISThreshold
		if c.RSThreshold != nil {
			r.RSUpper = *c.RSThreshold
		}
		r.RSLower = 1.0 / r.RSUpper
		if c.RSThresholdLower != nil {
			r.RSLower = *c.RSThresholdLower
		}
	}
	if c.VetoThreshold != nil {
		r.VetoEnabled = true
		r.Veto = *c.VetoThreshold
	}
	return r, nil
}

// #endregion resolve
