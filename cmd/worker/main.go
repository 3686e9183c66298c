package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/config"
	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/dedup"
	"github.com/givehub/dispatch/internal/fanout"
	"github.com/givehub/dispatch/internal/feed"
	"github.com/givehub/dispatch/internal/observ"
	"github.com/givehub/dispatch/internal/queue"
	"github.com/givehub/dispatch/internal/redis"
	"github.com/givehub/dispatch/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dispatch worker",
		zap.String("env", cfg.Env),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	repo := db.NewRepository(database, logger)
	counters := feed.NewCounterCache(redisClient, logger)
	feedSvc := feed.NewService(repo, counters, logger)
	likeCounts := db.NewLikeCounts(database)

	w := worker.New(
		queue.New(redisClient, logger),
		dedup.NewStore(redisClient, logger),
		repo,
		feedSvc,
		fanout.NewPublisher(redisClient, logger),
		likeCounts,
		worker.Config{
			PollInterval: cfg.WorkerPollInterval,
			Concurrency:  cfg.WorkerConcurrency,
		},
		logger,
	)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(workerCtx)
		close(done)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()
	<-done

	return nil
}
