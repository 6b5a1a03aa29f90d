package fixture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
)

// #region fixture-tests

// TestFixture_NeutralStep replays the identical-policies fixture: every
// weight is 1.0, nothing is rejected, and the drift metrics are all zero.
func TestFixture_NeutralStep(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "neutral_step.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	out, err := Replay(f)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !out.Passed {
		t.Fatalf("expected pass, failures: %v", out.Failures)
	}
}

// TestFixture_SequenceDrift replays the sequence-truncation fixture: the
// per-sequence ratio 3.0 is broadcast and truncated to exactly 2.0.
func TestFixture_SequenceDrift(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "sequence_drift.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	out, err := Replay(f)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !out.Passed {
		t.Fatalf("expected pass, failures: %v", out.Failures)
	}
}

// TestFixture_VetoStep replays the catastrophic-token fixture: the veto
// clears the mask while the weights keep their computed values.
func TestFixture_VetoStep(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "veto_step.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	out, err := Replay(f)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !out.Passed {
		t.Fatalf("expected pass, failures: %v", out.Failures)
	}
}

func TestLoadParsesConfig(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "sequence_drift.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Config.ISLevel != config.LevelSequence {
		t.Fatalf("is_level: got %q", f.Config.ISLevel)
	}
	if f.Config.ISThreshold != 2.0 {
		t.Fatalf("is_threshold: got %v", f.Config.ISThreshold)
	}
	b := f.Batch.ToBatch()
	if b.Rows() != 1 || b.Cols() != 3 {
		t.Fatalf("batch shape: got %dx%d", b.Rows(), b.Cols())
	}
}

// TestLoad_NotFound verifies error on missing file.
func TestLoad_NotFound(t *testing.T) {
	_, err := Load("testdata/nonexistent.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// TestLoad_Malformed verifies error on invalid JSON.
func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json}"), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

// #endregion fixture-tests
