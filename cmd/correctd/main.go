package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mismatchlab/rollout-correction/go-engine/internal/config"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/journal"
	"github.com/mismatchlab/rollout-correction/go-engine/internal/server"
)

// #region main
func main() {
	addr := envOr("CORRECTD_ADDR", ":8642")
	cfgPath := envOr("CORRECTD_CONFIG", "")
	dbPath := envOr("CORRECTD_DB", "")
	runLabel := envOr("CORRECTD_RUN_LABEL", "")
	recordBatches := envOr("CORRECTD_RECORD_BATCHES", "") != ""

	logger := log.New(os.Stderr, "[CORRECTD] ", log.LstdFlags)

	cfg := config.DefaultConfig()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
	}
	if _, err := cfg.Resolve(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	srv := &server.Server{
		Config:        cfg,
		RunLabel:      runLabel,
		RecordBatches: recordBatches,
		Logger:        logger,
	}
	if dbPath != "" {
		j, err := journal.Open(dbPath)
		if err != nil {
			logger.Fatalf("open journal: %v", err)
		}
		defer j.Close()
		srv.Journal = j
		logger.Printf("journaling to %s (batches: %v)", dbPath, recordBatches)
	}

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("serving correction on %s (is=%s rs=%s)",
		addr, levelOrOff(cfg.ISLevel), levelOrOff(cfg.RSLevel))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatalf("serve: %v", err)
	}
	logger.Println("stopped")
}
// #endregion main

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func levelOrOff(l config.Level) string {
	if !l.Enabled() {
		return "off"
	}
	return string(l)
}
// #endregion helpers
