// Package main is the devtrail server entry point. One binary runs the
// ingest API, the stream consumer, and the transcript pipeline together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/api"
	"github.com/devtrail/devtrail/internal/common/config"
	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/db"
	"github.com/devtrail/devtrail/internal/dispatch"
	"github.com/devtrail/devtrail/internal/gateway/websocket"
	"github.com/devtrail/devtrail/internal/ingest"
	"github.com/devtrail/devtrail/internal/objstore"
	"github.com/devtrail/devtrail/internal/pipeline"
	"github.com/devtrail/devtrail/internal/store"
	"github.com/devtrail/devtrail/internal/stream"
	"github.com/devtrail/devtrail/internal/summary"
	"github.com/devtrail/devtrail/internal/timeline"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting devtrail", zap.String("version", api.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Database
	sqlDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer sqlDB.Close()
	if err := db.Migrate(sqlDB); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	st := store.NewPostgres(sqlDB)
	log.Info("PostgreSQL ready")

	// 4. Event stream. Two connections: the consumer's Fetch blocks in
	// XREADGROUP, so ingest and health checks get their own.
	consumerStream, err := stream.NewRedis(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer consumerStream.Close()
	apiStream, err := stream.NewRedis(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer apiStream.Close()
	log.Info("Redis stream ready", zap.String("stream", cfg.Redis.Stream))

	// 5. Object store
	objects, err := objstore.NewS3(ctx, cfg.S3)
	if err != nil {
		log.Fatal("Failed to initialize object store", zap.Error(err))
	}
	log.Info("Object store ready", zap.String("bucket", cfg.S3.Bucket))

	// 6. Pipeline
	var summarizer pipeline.Summarizer
	if cfg.Summary.Enabled {
		summarizer = summary.NewFromConfig(cfg.Summary)
		log.Info("Summaries enabled", zap.String("model", cfg.Summary.Model))
	}
	runner := pipeline.NewRunner(st, objects, summarizer, log)
	queue := pipeline.NewQueue(runner, cfg.Pipeline.MaxConcurrent, cfg.Pipeline.MaxDepth, log)
	rescanner := pipeline.NewRescanner(st, queue,
		cfg.Pipeline.StuckThresholdDuration(),
		cfg.Pipeline.StuckScanIntervalDuration(),
		log,
	)
	rescanner.Start(ctx)

	// 7. Consumer
	hostname, _ := os.Hostname()
	consumer := dispatch.NewConsumer(consumerStream, st, queue, log, dispatch.Config{
		Consumer:      hostname,
		Concurrency:   cfg.Consumer.Concurrency,
		MaxDeliveries: int64(cfg.Redis.MaxDeliveries),
		PollTimeout:   cfg.Redis.PollTimeoutDuration(),
	})
	consumer.Start(ctx)
	log.Info("Event consumer started")

	// 8. WebSocket hub and HTTP server
	hub := websocket.NewHub(log)
	go hub.Run(ctx)

	server := api.NewServer(cfg.Server, cfg.Auth, api.Deps{
		Store:     st,
		Stream:    apiStream,
		Ingest:    ingest.NewService(st, apiStream, log),
		Queue:     queue,
		Assembler: timeline.NewAssembler(st),
		Hub:       hub,
		Logger:    log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	log.Info("HTTP server started",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	// 9. Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	// Shutdown order: stop accepting requests, stop pulling events, let
	// in-flight pipeline runs finish (queued ones come back via the stuck
	// rescan), then let the deferred closes tear down connections.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	consumer.Stop()
	rescanner.Stop()
	queue.Stop()
	cancel()

	log.Info("Shutdown complete")
}
