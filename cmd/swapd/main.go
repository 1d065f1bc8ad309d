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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/dexroute/swapd/internal/config"
	"github.com/dexroute/swapd/internal/database"
	"github.com/dexroute/swapd/internal/dexrouter"
	"github.com/dexroute/swapd/internal/notifier"
	"github.com/dexroute/swapd/internal/ordercache"
	"github.com/dexroute/swapd/internal/orderqueue"
	"github.com/dexroute/swapd/internal/orderservice"
	"github.com/dexroute/swapd/internal/orderstore"
	"github.com/dexroute/swapd/internal/processor"
	"github.com/dexroute/swapd/internal/server"
	"github.com/dexroute/swapd/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	tracerProvider, err := newTracerProvider()
	if err != nil {
		zapLogger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	otel.SetTracerProvider(tracerProvider)

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	queue, err := orderqueue.NewBadgerQueue(cfg.Queue.Dir, orderqueue.Config{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		MaxBackoff:    cfg.Queue.MaxBackoff,
		CompletedKeep: cfg.Queue.CompletedKeep,
		CompletedAge:  cfg.Queue.CompletedAge,
		DeadKeep:      cfg.Queue.DeadKeep,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open job queue", zap.Error(err))
	}

	var backend notifier.PubSubBackend
	switch cfg.PubSub.Backend {
	case "kafka":
		backend = notifier.NewKafkaPubSub(cfg.PubSub.KafkaBrokers, cfg.PubSub.KafkaTopic)
	default:
		backend = notifier.NewRedisPubSub(redisClient)
	}

	store := orderstore.New(db, zapLogger)
	cache := ordercache.NewRedisCache(redisClient, cfg.Cache.TTL)
	leases := ordercache.NewRedisLeaseStore(redisClient, cfg.Cache.LeaseTTL)
	n := notifier.New(backend, zapLogger)
	orders := orderservice.New(store, cache, leases, n, zapLogger)

	router := dexrouter.New(dexrouter.Config{
		QuoteLatency:     cfg.Dex.QuoteLatency,
		ExecutionLatency: cfg.Dex.ExecutionLatency,
		PriceVariance:    cfg.Dex.PriceVariance,
		SlippageVariance: cfg.Dex.SlippageVariance,
	}, zapLogger)

	proc := processor.New(orders, router, zapLogger)
	pool := orderqueue.NewWorkerPool(queue, proc.Process, orderqueue.WorkerPoolConfig{
		Concurrency:        cfg.Queue.Concurrency,
		RateLimitPerMinute: cfg.Queue.RateLimitPerMinute,
		PollInterval:       cfg.Queue.PollInterval,
	}, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	apiServer := server.NewServer(zapLogger, orders, queue, n)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: apiServer.Router(),
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	// stop intake first, then drain workers, then release the stores
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	pool.Stop()
	cancel()

	if err := backend.Close(); err != nil {
		zapLogger.Error("Failed to close pubsub backend", zap.Error(err))
	}
	if err := queue.Close(); err != nil {
		zapLogger.Error("Failed to close job queue", zap.Error(err))
	}
	if err := redisClient.Close(); err != nil {
		zapLogger.Error("Failed to close Redis client", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			zapLogger.Error("Failed to close database", zap.Error(err))
		}
	}
	if err := tracerProvider.Shutdown(context.Background()); err != nil {
		zapLogger.Error("Failed to shut down tracing", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}

func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}
