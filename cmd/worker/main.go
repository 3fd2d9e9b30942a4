package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/queue"
	"media-ingest-pipeline/internal/registry"
	"media-ingest-pipeline/internal/storage"
	"media-ingest-pipeline/internal/telemetry"
	workerproc "media-ingest-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	reg, err := registry.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer reg.Close()

	if err := reg.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	store, err := storage.New(ctx, cfg, storage.DefaultSigningPolicy())
	if err != nil {
		log.Fatalf("init object store: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, reg, store, workerID)

	// Metrics only; the worker never serves application traffic.
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with lease=%s backoff_initial=%s", workerID, cfg.LeaseDuration, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
