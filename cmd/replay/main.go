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
	dbPath := flag.String("db", "", "path to journal SQLite database (DB mode)")
	runID := flag.String("run", "", "journal run to replay; defaults to the most recent")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode); additional paths may follow as arguments")
	tolerance := flag.Float64("tolerance", 1e-6, "absolute metric comparison tolerance in DB mode")
	flag.Parse()

	if (*dbPath == "" && *fixturePath == "") || (*dbPath != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/journal.db [--run id] [--tolerance t]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json [more.json ...]")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		paths := append([]string{*fixturePath}, flag.Args()...)
		exitCode = runFixtureMode(paths)
	} else {
		exitCode = runDBMode(*dbPath, *runID, *tolerance)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region db-mode

// runDBMode re-runs every journaled step that recorded its batch and checks
// the freshly computed metrics against the journaled ones. Divergence means
// the engine no longer reproduces what the training run observed.
func runDBMode(dbPath, runID string, tolerance float64) int {
	j, err := journal.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer j.Close()

	run, err := resolveRun(j, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	steps, err := j.ListSteps(run.RunID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list steps: %v\n", err)
		return 2
	}

	var outcomes []fixture.Outcome
	var labels []string
	for _, step := range steps {
		if !step.HasBatch() {
			continue
		}
		f, err := stepFixture(run, step, tolerance)
		if err != nil {
			fmt.Fprintf(os.Stderr, "step %d: %v\n", step.Step, err)
			return 2
		}
		out, err := fixture.Replay(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "step %d: %v\n", step.Step, err)
			return 2
		}
		outcomes = append(outcomes, out)
		labels = append(labels, fmt.Sprintf("step %d", step.Step))
	}

	if len(outcomes) == 0 {
		fmt.Fprintf(os.Stderr, "run %s has no steps with recorded batches\n", run.RunID)
		return 2
	}

	fmt.Printf("Replaying run %s (%q), %d of %d steps have batches\n\n",
		shortID(run.RunID), run.Label, len(outcomes), len(steps))
	return printOutcomes(outcomes, labels)
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

// stepFixture rebuilds a replay fixture from a journaled step: the recorded
// batch, the run's config, and the journaled metrics as expectations.
func stepFixture(run journal.RunRecord, step journal.StepRecord, tolerance float64) (*fixture.Fixture, error) {
	var fb fixture.FixtureBatch
	if err := json.Unmarshal([]byte(step.BatchJSON), &fb); err != nil {
		return nil, fmt.Errorf("parse recorded batch: %w", err)
	}
	return &fixture.Fixture{
		Description: fmt.Sprintf("journal %s step %d", shortID(run.RunID), step.Step),
		Batch:       fb,
		Config:      run.Config,
		Expected: &fixture.Expectation{
			Tolerance: tolerance,
			Metrics:   step.Metrics,
		},
	}, nil
}

// #endregion db-mode

// #region fixture-mode

func runFixtureMode(paths []string) int {
	var outcomes []fixture.Outcome
	var labels []string
	for _, path := range paths {
		f, err := fixture.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		out, err := fixture.Replay(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		outcomes = append(outcomes, out)
		labels = append(labels, path)
	}
	return printOutcomes(outcomes, labels)
}

// #endregion fixture-mode

// #region output

// printOutcomes renders the PASS/FAIL table and returns the exit code.
func printOutcomes(outcomes []fixture.Outcome, labels []string) int {
	fmt.Printf("%-40s| %-6s| %s\n", "Fixture", "Result", "Failures")
	fmt.Printf("%-40s+%-7s+%s\n",
		"----------------------------------------", "-------", "---------")

	for i, out := range outcomes {
		result := "PASS"
		if !out.Passed {
			result = "FAIL"
		}
		fmt.Printf("%-40s| %-6s| %d\n", truncate(labels[i], 40), result, len(out.Failures))
		for _, failure := range out.Failures {
			fmt.Printf("    %s\n", failure)
		}
	}

	s := fixture.Summarize(outcomes)
	fmt.Printf("\nSummary: %d total, %d pass, %d fail\n", s.Total, s.Passed, s.Failed)

	if s.Failed > 0 {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n+3:]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
