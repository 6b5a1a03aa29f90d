// Package journal persists correction runs and their per-step diagnostics
// to SQLite, giving training jobs a queryable record of how far rollout and
// training policies drifted over time.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/metrics"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	label        TEXT,
	config_json  TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	step          INTEGER NOT NULL,
	batch_size    INTEGER NOT NULL,
	valid_tokens  INTEGER NOT NULL,
	masked_tokens INTEGER NOT NULL,
	metrics_json  TEXT NOT NULL,
	batch_json    TEXT,
	created_at    TEXT NOT NULL,
	UNIQUE (run_id, step),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`
// #endregion schema

// #region journal-struct
// Journal records runs and steps in SQLite.
type Journal struct {
	db *sql.DB
}
// #endregion journal-struct

// #region constructor
// Open opens a SQLite database and runs migrations.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Journal{db: db}, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
// #endregion close

// #region begin-run
// BeginRun registers a new run with its engine config and returns the record.
func (j *Journal) BeginRun(label string, cfg config.Config) (RunRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return RunRecord{}, fmt.Errorf("marshal config: %w", err)
	}

	var labelPtr interface{}
	if label != "" {
		labelPtr = label
	}

	_, err = j.db.Exec(
		`INSERT INTO runs (run_id, label, config_json, created_at) VALUES (?, ?, ?, ?)`,
		id, labelPtr, string(cfgJSON), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}

	return RunRecord{RunID: id, Label: label, Config: cfg, CreatedAt: now}, nil
}
// #endregion begin-run

// #region record-step
// RecordStep persists one step's counters and metrics, plus the raw batch
// JSON when the caller recorded it. Recording the same step index twice
// within a run is an error.
func (j *Journal) RecordStep(rec StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	metricsJSON, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = j.db.Exec(
		`INSERT INTO steps (run_id, step, batch_size, valid_tokens, masked_tokens, metrics_json, batch_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Step, rec.BatchSize, rec.ValidTokens, rec.MaskedTokens,
		string(metricsJSON), nullIfEmpty(rec.BatchJSON), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert step %d: %w", rec.Step, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion record-step

// #region get-run
// GetRun retrieves a run by ID.
func (j *Journal) GetRun(runID string) (RunRecord, error) {
	var rec RunRecord
	var label sql.NullString
	var cfgJSON string
	var createdStr string

	err := j.db.QueryRow(
		`SELECT run_id, label, config_json, created_at FROM runs WHERE run_id = ?`, runID,
	).Scan(&rec.RunID, &label, &cfgJSON, &createdStr)
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}

	if label.Valid {
		rec.Label = label.String
	}
	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return RunRecord{}, fmt.Errorf("unmarshal config: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

	return rec, nil
}
// #endregion get-run

// #region list-runs
// ListRuns returns the most recent runs.
func (j *Journal) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := j.db.Query(
		`SELECT run_id, label, config_json, created_at FROM runs
		 ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var label sql.NullString
		var cfgJSON string
		var createdStr string

		if err := rows.Scan(&rec.RunID, &label, &cfgJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if label.Valid {
			rec.Label = label.String
		}
		if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}
// #endregion list-runs

// #region list-steps
// ListSteps returns a run's steps in step order.
func (j *Journal) ListSteps(runID string) ([]StepRecord, error) {
	rows, err := j.db.Query(
		`SELECT run_id, step, batch_size, valid_tokens, masked_tokens, metrics_json, batch_json, created_at
		 FROM steps WHERE run_id = ? ORDER BY step ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		rec, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
// #endregion list-steps

// #region get-step
// GetStep retrieves a single step of a run by its step index.
func (j *Journal) GetStep(runID string, step int) (StepRecord, error) {
	row := j.db.QueryRow(
		`SELECT run_id, step, batch_size, valid_tokens, masked_tokens, metrics_json, batch_json, created_at
		 FROM steps WHERE run_id = ? AND step = ?`, runID, step,
	)
	rec, err := scanStep(row.Scan)
	if err != nil {
		return StepRecord{}, fmt.Errorf("get step %d of run %s: %w", step, runID, err)
	}
	return rec, nil
}

func scanStep(scan func(...interface{}) error) (StepRecord, error) {
	var rec StepRecord
	var metricsJSON string
	var batchJSON sql.NullString
	var createdStr string

	if err := scan(&rec.RunID, &rec.Step, &rec.BatchSize, &rec.ValidTokens,
		&rec.MaskedTokens, &metricsJSON, &batchJSON, &createdStr); err != nil {
		return StepRecord{}, fmt.Errorf("scan step: %w", err)
	}
	rec.Metrics = metrics.Map{}
	if err := json.Unmarshal([]byte(metricsJSON), &rec.Metrics); err != nil {
		return StepRecord{}, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if batchJSON.Valid {
		rec.BatchJSON = batchJSON.String
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}
// #endregion get-step
