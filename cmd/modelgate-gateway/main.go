package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelgate/modelgate/core/auth"
	"github.com/modelgate/modelgate/core/backend"
	"github.com/modelgate/modelgate/core/batch"
	"github.com/modelgate/modelgate/core/dispatch"
	"github.com/modelgate/modelgate/core/events"
	"github.com/modelgate/modelgate/core/gateway"
	"github.com/modelgate/modelgate/core/infra/cache"
	"github.com/modelgate/modelgate/core/infra/config"
	"github.com/modelgate/modelgate/core/infra/metrics"
	"github.com/modelgate/modelgate/core/infra/redisutil"
	"github.com/modelgate/modelgate/core/registry"
	"github.com/modelgate/modelgate/core/storage/sqlite"
)

func main() {
	log.Println("modelgate gateway starting...")

	cfg := config.Load()

	redisClient, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	// Degrade to the in-process cache when Redis is down; cross-process
	// coalescing weakens but requests keep being served.
	sharedCache := cache.NewFallback(cache.NewRedisCacheFromClient(redisClient), nil)

	store, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open task store: %v", err)
	}
	defer store.Close()

	reg, err := registry.New(cfg.FleetPath, 0)
	if err != nil {
		log.Fatalf("failed to load fleet config (%s): %v", cfg.FleetPath, err)
	}

	nc, err := backend.NewNatsConn(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	dispatchMetrics := metrics.NewProm("modelgate")
	gatewayMetrics := metrics.NewGatewayProm("modelgate")
	hub := events.NewHub()

	statusCache := backend.NewStatusCache(backend.NewGridFetcher(nc), sharedCache, cfg.StatusCacheTTL)
	grid := backend.NewGrid(nc, sharedCache, statusCache, cfg.SentinelTTL, dispatchMetrics)

	httpAPI := backend.NewHTTPAPI(sharedCache, store, backend.HTTPAPIOptions{
		ReadinessTTL:     cfg.ReadinessTTL,
		SummaryMaxChunks: cfg.StreamSummaryMaxChunks,
		SummaryMaxWait:   cfg.StreamSummaryMaxWait,
		Metrics:          dispatchMetrics,
	})

	adapters := map[registry.AdapterKind]backend.Adapter{
		registry.AdapterGrid: grid,
		registry.AdapterHTTP: httpAPI,
	}
	dispatcher := dispatch.New(adapters, store, hub, dispatchMetrics, cfg.DispatchTimeout)

	batches := batch.NewManager(batch.NewRedisStore(redisClient), grid, statusCache, store, batch.ManagerOptions{
		GraceWindow:       cfg.BatchGraceWindow,
		CancelMaxAttempts: cfg.CancelMaxAttempts,
		Events:            hub,
		Metrics:           dispatchMetrics,
	})

	tokens := auth.NewTokenCache(
		sharedCache,
		auth.NewHTTPIntrospector(cfg.IntrospectionURL, cfg.IntrospectionToken),
		cfg.TokenCacheTTL,
		cfg.TokenNegativeTTL,
	)
	engine := auth.NewEngine(cfg.ServiceAccounts, cfg.AllowedIdPDomains, cfg.HighAssurancePolicy)

	srv, err := gateway.New(cfg, tokens, engine, reg, dispatcher, batches, store, hub, gatewayMetrics)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
	log.Println("modelgate gateway stopped")
}
