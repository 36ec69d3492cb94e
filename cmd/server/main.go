package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/copyrelay/backend/internal/api"
	"github.com/copyrelay/backend/internal/bus"
	"github.com/copyrelay/backend/internal/config"
	"github.com/copyrelay/backend/internal/db"
	"github.com/copyrelay/backend/internal/execution"
	"github.com/copyrelay/backend/internal/external"
	"github.com/copyrelay/backend/internal/feed"
	"github.com/copyrelay/backend/internal/ingest"
	"github.com/copyrelay/backend/internal/listener"
	"github.com/copyrelay/backend/internal/notifications"
	"github.com/copyrelay/backend/internal/positions"
	"github.com/copyrelay/backend/internal/repository"
	"github.com/copyrelay/backend/internal/risk"
	"github.com/copyrelay/backend/internal/scheduler"
	"github.com/copyrelay/backend/internal/watchlist"
)

const banner = `
╔══════════════════════════════════════╗
║      CopyRelay Trading Relay v0.3    ║
║                                      ║
╚══════════════════════════════════════╝
`

const apiPort = 3001

func main() {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg.Print()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Database
	fmt.Printf("\n[DB] Connecting to %s:%d/%s ...\n", cfg.DBHost, cfg.DBPort, cfg.DBName)
	pool, err := db.Connect(cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[DB] Connection failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		pool.Close()
		fmt.Println("[DB] Connection pool closed")
	}()

	if err := db.TestConnection(pool); err != nil {
		fmt.Fprintf(os.Stderr, "[DB] Test query failed: %v\n", err)
		os.Exit(1)
	}

	// Redis
	fmt.Printf("[REDIS] Connecting to %s ...\n", cfg.RedisAddr)
	rdb, err := db.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[REDIS] Connection failed: %v\n", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Repos
	watchedRepo := repository.NewWatchedAddressRepo(pool)
	observationRepo := repository.NewObservationRepo(pool)
	allocationRepo := repository.NewAllocationRepo(pool)
	positionRepo := repository.NewPositionRepo(pool)
	execStore := repository.NewExecStore(pool, positionRepo, allocationRepo)

	// Watchlist cache, loaded once before anything can ingest
	cache := watchlist.New(watchedRepo, logger)
	if err := cache.Refresh(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "[WATCHLIST] Initial load failed: %v\n", err)
		os.Exit(1)
	}

	// Notifications
	notify := notifications.NewSender(cfg.NotifyWebhookURL, cfg.ServiceName)

	// Venue + price feed
	venue := external.NewVenueClient(cfg.VenueBaseURL, cfg.VenueAPIKey,
		time.Duration(cfg.VenueTimeoutSeconds)*time.Second)
	feedClient := feed.NewClient(feed.Config{
		URL:          cfg.FeedWSURL,
		PingInterval: time.Duration(cfg.FeedPingSeconds) * time.Second,
		BackoffMin:   time.Duration(cfg.FeedBackoffMinSecs) * time.Second,
		BackoffMax:   time.Duration(cfg.FeedBackoffMaxSecs) * time.Second,
	}, logger)
	feedClient.SetNotifier(notify)
	subs := positions.NewSubscriptionManager(feedClient, logger)

	// Execution pipeline
	guard := risk.NewGuardian(risk.Limits{
		MaxOrderSizeUSD:         cfg.MaxOrderSizeUSD,
		MaxOpenPositionsPerUser: cfg.MaxOpenPositionsPerUser,
	}, positionRepo)
	execSvc := execution.NewService(venue, execStore, guard, subs, logger, execution.Config{})
	updater := positions.NewUpdater(positionRepo, execSvc, notify, logger,
		time.Duration(cfg.DebounceMS)*time.Millisecond)

	// Event bus
	dedup := bus.NewDedup(rdb, time.Duration(cfg.DedupTTLMinutes)*time.Minute)
	publisher := bus.NewPublisher(rdb, logger)
	consumer := bus.NewConsumer(rdb, logger)

	gateway := ingest.NewGateway(cache, observationRepo, publisher, dedup, notify, logger)
	relay := listener.New(cache, allocationRepo, positionRepo, observationRepo,
		venue, dedup, execSvc, logger, listener.Config{
			MinOrderUSD:   cfg.MinOrderUSD,
			MaxConcurrent: cfg.MaxConcurrentExecutions,
		})
	relay.SetNotifier(notify)

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Re-subscribe markets with open exposure before any fill arrives
	if err := subs.Prime(ctx, positionRepo); err != nil {
		fmt.Fprintf(os.Stderr, "[FEED] Subscription priming failed: %v\n", err)
		os.Exit(1)
	}

	// 1. API server
	srv := api.NewServer(pool, rdb, gateway, feedClient, apiPort, cfg.APIKey, cfg.WebhookSecret, cfg.CORSAllowOrigin)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "[API] Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	// 2. Price feed + position updater
	go feedClient.Run(ctx)
	go updater.Run(ctx, feedClient.Updates())

	// 3. Copy-trade listener
	go func() {
		if err := relay.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("listener stopped", zap.Error(err))
		}
	}()

	// 4. Periodic jobs
	jobs, err := scheduler.New(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[SCHEDULER] Init failed: %v\n", err)
		os.Exit(1)
	}
	if err := jobs.AddInterval("watchlist-refresh",
		time.Duration(cfg.WatchlistRefreshSeconds)*time.Second, cache.Refresh); err != nil {
		fmt.Fprintf(os.Stderr, "[SCHEDULER] %v\n", err)
		os.Exit(1)
	}
	if err := jobs.AddInterval("tpsl-poll",
		time.Duration(cfg.TPSLPollSeconds)*time.Second, updater.PollOnce); err != nil {
		fmt.Fprintf(os.Stderr, "[SCHEDULER] %v\n", err)
		os.Exit(1)
	}
	jobs.Start()

	fmt.Println("\nAll services started successfully")

	// Wait for shutdown signal
	<-ctx.Done()
	fmt.Println("\nShutting down gracefully...")

	jobs.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[API] Shutdown error: %v\n", err)
	}
	fmt.Println("[API] Server closed")
	fmt.Println("Shutdown complete")
}
