package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"academy/internal/advisory"
	"academy/internal/config"
	"academy/internal/queue"
	"academy/internal/store"
)

// Worker consumes advisory tasks, calls the text generation service, and
// writes results into the shared advisory slot.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.StoreBackend == "memory" || cfg.QueueBackend == "memory" {
		log.Fatal("memory backends are process-local; the api runs its own advisory consumer, this worker is only for the redis queue")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Println("WARNING: redis not reachable yet, consumer will retry")
	}

	reg := store.NewPostgres(db, redisClient)
	q := queue.NewRedisQueue(redisClient.Client, "")
	slot := advisory.NewRedisSlot(redisClient.Client)
	advisor := advisory.New(cfg.GeminiAPIKey, cfg.AdvisoryTimeout, cfg.AdvisorySkip)
	if cfg.GeminiAPIKey == "" && !cfg.AdvisorySkip {
		log.Println("GEMINI_API_KEY not set; all advisory text will be the static fallbacks")
	}

	log.Println("worker started, waiting for advisory tasks...")
	if err := advisory.Consume(ctx, q, advisor, slot, reg); err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}
	log.Println("worker stopped")
}
