package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/correction"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/fixture"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/journal"
)

// #region main

func main() {
	inPath := flag.String("in", "", "input step JSON (fixture format); '-' reads stdin")
	cfgPath := flag.String("config", "", "engine config YAML; overrides the step's embedded config")
	jsonOut := flag.Bool("json", false, "output full result as JSON instead of a table")
	dbPath := flag.String("db", "", "journal the step to this SQLite database")
	label := flag.String("label", "", "journal run label")
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: correct --in step.json [--config config.yaml] [--json] [--db journal.db [--label name]]")
		fmt.Fprintln(os.Stderr, "       correct --in - < step.json")
		os.Exit(2)
	}

	if err := run(*inPath, *cfgPath, *dbPath, *label, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region run

type output struct {
	Weights [][]float64        `json:"weights,omitempty"`
	Mask    [][]float64        `json:"mask"`
	Metrics map[string]float64 `json:"metrics"`
}

func run(inPath, cfgPath, dbPath, label string, jsonOut bool) error {
	f, err := loadStep(inPath)
	if err != nil {
		return err
	}

	cfg := f.Config
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}

	b := f.Batch.ToBatch()
	res, err := correction.Run(b, cfg)
	if err != nil {
		return err
	}

	if dbPath != "" {
		if err := journalStep(dbPath, label, cfg, b, res); err != nil {
			return err
		}
	}

	if jsonOut {
		return printJSON(output{Weights: res.Weights, Mask: res.Mask, Metrics: res.Metrics})
	}
	printTable(b, res)
	return nil
}

func loadStep(path string) (*fixture.Fixture, error) {
	if path != "-" {
		return fixture.Load(path)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	var f fixture.Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stdin: %w", err)
	}
	return &f, nil
}

// journalStep records the one-shot step (batch included) as a single-step run.
func journalStep(dbPath, label string, cfg config.Config, b batch.Batch, res correction.Result) error {
	j, err := journal.Open(dbPath)
	if err != nil {
		return err
	}
	defer j.Close()

	run, err := j.BeginRun(label, cfg)
	if err != nil {
		return err
	}

	batchJSON, err := json.Marshal(fixture.FixtureBatch{
		TrainingLogProbs: b.TrainingLogProbs,
		RolloutLogProbs:  b.RolloutLogProbs,
		ResponseMask:     b.ResponseMask,
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	validBefore := batch.CountValid(b.ResponseMask)
	err = j.RecordStep(journal.StepRecord{
		RunID:        run.RunID,
		Step:         1,
		BatchSize:    b.Rows(),
		ValidTokens:  validBefore,
		MaskedTokens: validBefore - batch.CountValid(res.Mask),
		Metrics:      res.Metrics,
		BatchJSON:    string(batchJSON),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "journaled run %s step 1 to %s\n", run.RunID, dbPath)
	return nil
}

// #endregion run

// #region output

func printTable(b batch.Batch, res correction.Result) {
	fmt.Printf("%-52s  %s\n", "Metric", "Value")
	fmt.Printf("%-52s  %s\n", "----------------------------------------------------", "------------")
	for _, key := range res.Metrics.Keys() {
		fmt.Printf("%-52s  %12.6f\n", key, res.Metrics[key])
	}

	validBefore := batch.CountValid(b.ResponseMask)
	validAfter := batch.CountValid(res.Mask)
	fmt.Printf("\nBatch:   %d sequences x %d tokens, %d valid\n", b.Rows(), b.Cols(), validBefore)
	fmt.Printf("Mask:    %d valid kept, %d removed\n", validAfter, validBefore-validAfter)
	if res.Weights != nil {
		fmt.Printf("Weights: %s\n", correction.WeightsKey)
	} else {
		fmt.Println("Weights: disabled (metrics-only config)")
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// #endregion output
