// Package server exposes the correction engine over HTTP+JSON: trainers
// POST per-step batches to /v1/correct and get weights, the modified mask,
// and the diagnostic metrics back. The same metrics are exported in
// Prometheus form on /metrics, and each served step can be recorded to a
// journal.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/batch"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/correction"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/fixture"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/journal"
)

// #region prom-metrics

var (
	stepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollout_correction_steps_total",
		Help: "Correction steps served.",
	})
	stepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollout_correction_step_errors_total",
		Help: "Correction requests rejected with an error.",
	})
	lastMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollout_correction_metric",
		Help: "Most recent value of each mismatch diagnostic.",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(stepsTotal, stepErrorsTotal, lastMetric)
}

// #endregion prom-metrics

// #region server

// Server serves correction steps over HTTP. Set the exported fields before
// calling Handler.
type Server struct {
	// Config is the default engine config, used when a request carries none.
	Config config.Config
	// Journal, when non-nil, records every served step under one run.
	Journal *journal.Journal
	// RunLabel labels the journal run.
	RunLabel string
	// RecordBatches stores each journaled step's input batch so it can be
	// exported as a replay fixture later.
	RecordBatches bool
	// Logger defaults to the standard logger.
	Logger *log.Logger

	mu    sync.Mutex
	runID string
	step  int
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/correct", s.handleCorrect)
	mux.HandleFunc("/v1/config", s.handleConfig)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// #endregion server

// #region wire-types

type correctRequest struct {
	TrainingLogProbs [][]float64 `json:"training_log_probs"`
	RolloutLogProbs  [][]float64 `json:"rollout_log_probs"`
	ResponseMask     [][]float64 `json:"response_mask"`
	// Config overrides the server's default engine config for this request.
	Config *config.Config `json:"config,omitempty"`
	// Step is the trainer's step index; absent means auto-increment.
	Step *int `json:"step,omitempty"`
}

type correctResponse struct {
	Weights [][]float64        `json:"weights,omitempty"`
	Mask    [][]float64        `json:"mask"`
	Metrics map[string]float64 `json:"metrics"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// #endregion wire-types

// #region handlers

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req correctRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		stepErrorsTotal.Inc()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	b := batch.Batch{
		TrainingLogProbs: req.TrainingLogProbs,
		RolloutLogProbs:  req.RolloutLogProbs,
		ResponseMask:     req.ResponseMask,
	}
	cfg := s.Config
	if req.Config != nil {
		cfg = *req.Config
	}

	res, err := correction.Run(b, cfg)
	if err != nil {
		stepErrorsTotal.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stepsTotal.Inc()
	for name, v := range res.Metrics {
		lastMetric.WithLabelValues(name).Set(v)
	}

	// Journaling is best-effort: a recording failure must not fail the
	// correction the trainer is waiting on.
	if err := s.recordStep(b, res, req.Step); err != nil {
		s.logf("[server] journal: %v", err)
	}

	writeJSON(w, http.StatusOK, correctResponse{
		Weights: res.Weights,
		Mask:    res.Mask,
		Metrics: res.Metrics,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, s.Config)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// #endregion handlers

// #region journal-recording

func (s *Server) recordStep(b batch.Batch, res correction.Result, explicit *int) error {
	if s.Journal == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runID == "" {
		run, err := s.Journal.BeginRun(s.RunLabel, s.Config)
		if err != nil {
			return fmt.Errorf("begin run: %w", err)
		}
		s.runID = run.RunID
		s.logf("[server] journal run %s started", s.runID)
	}

	var step int
	if explicit != nil {
		step = *explicit
		if step > s.step {
			s.step = step
		}
	} else {
		s.step++
		step = s.step
	}

	var batchJSON string
	if s.RecordBatches {
		data, err := json.Marshal(fixture.FixtureBatch{
			TrainingLogProbs: b.TrainingLogProbs,
			RolloutLogProbs:  b.RolloutLogProbs,
			ResponseMask:     b.ResponseMask,
		})
		if err != nil {
			return fmt.Errorf("marshal batch: %w", err)
		}
		batchJSON = string(data)
	}

	validBefore := batch.CountValid(b.ResponseMask)
	return s.Journal.RecordStep(journal.StepRecord{
		RunID:        s.runID,
		Step:         step,
		BatchSize:    b.Rows(),
		ValidTokens:  validBefore,
		MaskedTokens: validBefore - batch.CountValid(res.Mask),
		Metrics:      res.Metrics,
		BatchJSON:    batchJSON,
	})
}

// #endregion journal-recording

// #region json-helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// #endregion json-helpers
