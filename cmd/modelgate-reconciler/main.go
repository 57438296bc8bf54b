package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelgate/modelgate/core/backend"
	"github.com/modelgate/modelgate/core/batch"
	"github.com/modelgate/modelgate/core/infra/cache"
	"github.com/modelgate/modelgate/core/infra/config"
	"github.com/modelgate/modelgate/core/infra/metrics"
	"github.com/modelgate/modelgate/core/infra/redisutil"
	"github.com/modelgate/modelgate/core/storage/sqlite"
)

func main() {
	log.Println("modelgate reconciler starting...")

	cfg := config.Load()

	redisClient, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	sharedCache := cache.NewFallback(cache.NewRedisCacheFromClient(redisClient), nil)

	store, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open task store: %v", err)
	}
	defer store.Close()

	nc, err := backend.NewNatsConn(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	batchMetrics := metrics.NewProm("modelgate_reconciler")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Printf("reconciler metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	statusCache := backend.NewStatusCache(backend.NewGridFetcher(nc), sharedCache, cfg.StatusCacheTTL)
	grid := backend.NewGrid(nc, sharedCache, statusCache, cfg.SentinelTTL, batchMetrics)

	batchStore := batch.NewRedisStore(redisClient)
	manager := batch.NewManager(batchStore, grid, statusCache, store, batch.ManagerOptions{
		GraceWindow:       cfg.BatchGraceWindow,
		CancelMaxAttempts: cfg.CancelMaxAttempts,
		Metrics:           batchMetrics,
	})
	reconciler := batch.NewReconciler(manager, batchStore, cfg.SweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	reconciler.Start(ctx)
	log.Println("modelgate reconciler stopped")
}
