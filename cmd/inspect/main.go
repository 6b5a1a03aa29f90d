package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/journal"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/metrics"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to journal SQLite database")
	last := flag.Int("last", 20, "show N most recent runs")
	runID := flag.String("run", "", "show one run's steps")
	step := flag.Int("step", 0, "show single step detail (requires --run)")
	metricName := flag.String("metric", "", "filter step listing to one metric")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/journal.db [--last N] [--run id [--step n]] [--metric name] [--json]")
		os.Exit(2)
	}

	j, err := journal.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	switch {
	case *runID != "" && *step > 0:
		err = runDetailMode(j, *runID, *step, *jsonOut)
	case *runID != "":
		err = runStepsMode(j, *runID, *metricName, *jsonOut)
	default:
		err = runListMode(j, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	RunID     string       `json:"run_id"`
	Label     string       `json:"label,omitempty"`
	ISLevel   config.Level `json:"is_level"`
	RSLevel   config.Level `json:"rs_level"`
	Veto      bool         `json:"veto"`
	Steps     int          `json:"steps"`
	CreatedAt string       `json:"created_at"`
}

func runListMode(j *journal.Journal, last int, jsonOut bool) error {
	runs, err := j.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]listRow, len(runs))
	for i, run := range runs {
		steps, err := j.ListSteps(run.RunID)
		if err != nil {
			return err
		}
		rows[i] = listRow{
			RunID:     run.RunID,
			Label:     run.Label,
			ISLevel:   run.Config.ISLevel,
			RSLevel:   run.Config.RSLevel,
			Veto:      run.Config.VetoThreshold != nil,
			Steps:     len(steps),
			CreatedAt: run.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-10s  %-16s  %-9s  %-9s  %-5s  %6s  %s\n",
		"Run", "Label", "IS", "RS", "Veto", "Steps", "Created")
	fmt.Printf("%-10s  %-16s  %-9s  %-9s  %-5s  %6s  %s\n",
		"----------", "----------------", "---------", "---------", "-----", "------", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-10s  %-16s  %-9s  %-9s  %-5v  %6d  %s\n",
			shortID(r.RunID), truncate(r.Label, 16), levelOrOff(r.ISLevel), levelOrOff(r.RSLevel),
			r.Veto, r.Steps, r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region steps-mode

type stepRow struct {
	Step         int      `json:"step"`
	BatchSize    int      `json:"batch_size"`
	ValidTokens  int      `json:"valid_tokens"`
	MaskedTokens int      `json:"masked_tokens"`
	KL           float64  `json:"kl"`
	K3KL         float64  `json:"k3_kl"`
	ESS          *float64 `json:"eff_sample_size,omitempty"`
	Metric       *float64 `json:"metric,omitempty"`
	HasBatch     bool     `json:"has_batch"`
	CreatedAt    string   `json:"created_at"`
}

func runStepsMode(j *journal.Journal, runID, metricName string, jsonOut bool) error {
	run, err := j.GetRun(runID)
	if err != nil {
		return err
	}
	steps, err := j.ListSteps(run.RunID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Fprintln(os.Stderr, "run has no steps")
		return nil
	}

	rows := make([]stepRow, len(steps))
	for i, s := range steps {
		sr := stepRow{
			Step:         s.Step,
			BatchSize:    s.BatchSize,
			ValidTokens:  s.ValidTokens,
			MaskedTokens: s.MaskedTokens,
			KL:           s.Metrics[metrics.Namespace+metrics.KeyKL],
			K3KL:         s.Metrics[metrics.Namespace+metrics.KeyK3KL],
			HasBatch:     s.HasBatch(),
			CreatedAt:    s.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if v, ok := s.Metrics[metrics.Namespace+metrics.FamilyIS+"_eff_sample_size"]; ok {
			sr.ESS = &v
		}
		if metricName != "" {
			if v, ok := lookupMetric(s.Metrics, metricName); ok {
				sr.Metric = &v
			}
		}
		rows[i] = sr
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("Run %s (%q): is=%s rs=%s\n\n",
		shortID(run.RunID), run.Label, levelOrOff(run.Config.ISLevel), levelOrOff(run.Config.RSLevel))
	if metricName != "" {
		fmt.Printf("%6s  %6s  %7s  %7s  %10s  %10s  %12s\n",
			"Step", "Seqs", "Valid", "Masked", "KL", "K3", metricName)
	} else {
		fmt.Printf("%6s  %6s  %7s  %7s  %10s  %10s  %8s  %s\n",
			"Step", "Seqs", "Valid", "Masked", "KL", "K3", "ESS", "Batch")
	}

	for _, r := range rows {
		if metricName != "" {
			val := "—"
			if r.Metric != nil {
				val = fmt.Sprintf("%.6f", *r.Metric)
			}
			fmt.Printf("%6d  %6d  %7d  %7d  %10.6f  %10.6f  %12s\n",
				r.Step, r.BatchSize, r.ValidTokens, r.MaskedTokens, r.KL, r.K3KL, val)
		} else {
			ess := "—"
			if r.ESS != nil {
				ess = fmt.Sprintf("%.4f", *r.ESS)
			}
			batchMark := ""
			if r.HasBatch {
				batchMark = "yes"
			}
			fmt.Printf("%6d  %6d  %7d  %7d  %10.6f  %10.6f  %8s  %s\n",
				r.Step, r.BatchSize, r.ValidTokens, r.MaskedTokens, r.KL, r.K3KL, ess, batchMark)
		}
	}
	return nil
}

// #endregion steps-mode

// #region detail-mode

type detailOutput struct {
	RunID        string             `json:"run_id"`
	Label        string             `json:"label,omitempty"`
	Step         int                `json:"step"`
	BatchSize    int                `json:"batch_size"`
	ValidTokens  int                `json:"valid_tokens"`
	MaskedTokens int                `json:"masked_tokens"`
	HasBatch     bool               `json:"has_batch"`
	CreatedAt    string             `json:"created_at"`
	Config       config.Config      `json:"config"`
	Metrics      map[string]float64 `json:"metrics"`
}

func runDetailMode(j *journal.Journal, runID string, step int, jsonOut bool) error {
	run, err := j.GetRun(runID)
	if err != nil {
		return err
	}
	rec, err := j.GetStep(run.RunID, step)
	if err != nil {
		return err
	}

	out := detailOutput{
		RunID:        run.RunID,
		Label:        run.Label,
		Step:         rec.Step,
		BatchSize:    rec.BatchSize,
		ValidTokens:  rec.ValidTokens,
		MaskedTokens: rec.MaskedTokens,
		HasBatch:     rec.HasBatch(),
		CreatedAt:    rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Config:       run.Config,
		Metrics:      rec.Metrics,
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Run:      %s (%q)\n", out.RunID, out.Label)
	fmt.Printf("Step:     %d\n", out.Step)
	fmt.Printf("Batch:    %d sequences, %d valid tokens, %d masked\n",
		out.BatchSize, out.ValidTokens, out.MaskedTokens)
	fmt.Printf("Recorded: %s (batch: %v)\n", out.CreatedAt, out.HasBatch)

	fmt.Printf("\nMetrics:\n")
	for _, key := range rec.Metrics.Keys() {
		fmt.Printf("  %-52s  %12.6f\n", key, rec.Metrics[key])
	}
	return nil
}

// #endregion detail-mode

// #region output

// lookupMetric accepts the full namespaced key or the bare name.
func lookupMetric(m metrics.Map, name string) (float64, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	v, ok := m[metrics.Namespace+name]
	return v, ok
}

func levelOrOff(l config.Level) string {
	if !l.Enabled() {
		return "off"
	}
	return string(l)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
