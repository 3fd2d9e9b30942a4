package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"media-ingest-pipeline/internal/api"
	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/media"
	"media-ingest-pipeline/internal/queue"
	"media-ingest-pipeline/internal/ratelimit"
	"media-ingest-pipeline/internal/registry"
	"media-ingest-pipeline/internal/storage"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewOwnerQuota(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	svc := media.NewService(cfg, reg, store, q)

	server := api.New(cfg, svc, q, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
