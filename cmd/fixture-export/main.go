package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/fixture"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/journal"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to journal SQLite database")
	runID := flag.String("run", "", "run to export from; defaults to the most recent")
	step := flag.Int("step", 0, "step to export; defaults to the last step with a recorded batch")
	outPath := flag.String("out", "", "output fixture JSON path")
	tolerance := flag.Float64("tolerance", 1e-6, "metric comparison tolerance written into the fixture")
	flag.Parse()

	if *dbPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/journal.db --out path/to/fixture.json [--run id] [--step n] [--tolerance t]")
		os.Exit(2)
	}

	if err := run(*dbPath, *runID, *step, *outPath, *tolerance); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath, runID string, step int, outPath string, tolerance float64) error {
	j, err := journal.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	runRec, err := resolveRun(j, runID)
	if err != nil {
		return err
	}

	stepRec, err := resolveStep(j, runRec.RunID, step)
	if err != nil {
		return err
	}

	var fb fixture.FixtureBatch
	if err := json.Unmarshal([]byte(stepRec.BatchJSON), &fb); err != nil {
		return fmt.Errorf("parse recorded batch: %w", err)
	}

	f := fixture.Fixture{
		Description: fmt.Sprintf("Journal export: run %s step %d (%d sequences, %d valid tokens)",
			shortID(runRec.RunID), stepRec.Step, stepRec.BatchSize, stepRec.ValidTokens),
		Batch:  fb,
		Config: runRec.Config,
		Expected: &fixture.Expectation{
			Tolerance: tolerance,
			Metrics:   stepRec.Metrics,
		},
	}

	return writeFixture(f, outPath)
}

func resolveRun(j *journal.Journal, runID string) (journal.RunRecord, error) {
	if runID != "" {
		run, err := j.GetRun(runID)
		if err != nil {
			return journal.RunRecord{}, fmt.Errorf("get run: %w", err)
		}
		return run, nil
	}
	runs, err := j.ListRuns(1)
	if err != nil {
		return journal.RunRecord{}, fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return journal.RunRecord{}, fmt.Errorf("journal has no runs")
	}
	return runs[0], nil
}

// resolveStep picks the requested step, or the last batch-recording step of
// the run when none was requested. Only steps with recorded batches can
// become fixtures.
func resolveStep(j *journal.Journal, runID string, step int) (journal.StepRecord, error) {
	if step > 0 {
		rec, err := j.GetStep(runID, step)
		if err != nil {
			return journal.StepRecord{}, err
		}
		if !rec.HasBatch() {
			return journal.StepRecord{}, fmt.Errorf("step %d has no recorded batch (journal with batch recording enabled)", step)
		}
		return rec, nil
	}

	steps, err := j.ListSteps(runID)
	if err != nil {
		return journal.StepRecord{}, fmt.Errorf("list steps: %w", err)
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].HasBatch() {
			return steps[i], nil
		}
	}
	return journal.StepRecord{}, fmt.Errorf("run %s has no steps with recorded batches", runID)
}

// #endregion extract

// #region output

func writeFixture(f fixture.Fixture, outPath string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}

	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}

	fmt.Printf("Wrote fixture to %s (%d bytes, %d expected metrics)\n", outPath, len(data), len(f.Expected.Metrics))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
