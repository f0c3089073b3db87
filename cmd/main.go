// crashwatch-ingest-service
//
// Streaming sync engine for the Chicago Open Data Portal crash
// datasets. Pages rate-limited batches from the SODA API, sanitizes
// them, and upserts them into PostGIS-backed fact tables; a cron-driven
// scheduler runs the configured jobs and records their executions.
//
// The HTTP surface is intentionally just /health; syncs are driven by
// the scheduler and the seeded job catalog.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crashwatch/ingest-service/internal/config"
	"crashwatch/ingest-service/internal/db"
	"crashwatch/ingest-service/internal/jobs"
	"crashwatch/ingest-service/internal/sanitize"
	"crashwatch/ingest-service/internal/scheduler"
	"crashwatch/ingest-service/internal/soda"
	"crashwatch/ingest-service/internal/store"
	"crashwatch/ingest-service/internal/syncer"
)

const version = "1.0.0"

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[ingest-service] Config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	log.Println("[ingest-service] Connecting to PostgreSQL…")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		log.Fatalf("[ingest-service] PostgreSQL: %v", err)
	}
	defer pool.Close()
	log.Println("[ingest-service] PostgreSQL connected ✓")

	// ── Redis ────────────────────────────────────────────────────────────────
	log.Println("[ingest-service] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[ingest-service] Redis: %v", err)
	}
	defer rdb.Close()
	log.Println("[ingest-service] Redis connected ✓")

	// ── Sync engine ──────────────────────────────────────────────────────────
	sanitizer := sanitize.New(cfg, func(d sanitize.Diagnostic) {
		logger.Debug("[sanitize] value discarded",
			"endpoint", d.Endpoint, "field", d.Field, "reason", d.Reason)
	})
	registry := syncer.NewRegistry(cfg, sanitizer)
	client := soda.NewClient(cfg.SodaAppToken, cfg.RateLimitHourly,
		cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RequestTimeout)
	engine := syncer.New(syncer.NewSodaFetcher(client), store.New(pool),
		registry, rdb, cfg.BatchSize, logger)

	// ── Jobs & scheduler ─────────────────────────────────────────────────────
	jobSvc := jobs.NewService(pool, engine, rdb, logger)
	if err := jobSvc.SeedDefaults(ctx); err != nil {
		log.Fatalf("[ingest-service] Seed default jobs: %v", err)
	}

	sched := scheduler.New(jobSvc, cfg.SchedulerInterval, logger)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("[ingest-service] Scheduler: %v", err)
	}
	defer sched.Stop()

	// ── HTTP server ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[ingest-service] v%s listening on :%s", version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ingest-service] HTTP server error: %v", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[ingest-service] Shutting down…")
	cancel() // stops in-flight syncs and the scheduler's job runs

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ingest-service] Shutdown error: %v", err)
	}
	log.Println("[ingest-service] Stopped.")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "ingest-service",
		"version": version,
	})
}
