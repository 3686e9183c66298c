package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/givehub/dispatch/internal/api"
	"github.com/givehub/dispatch/internal/config"
	"github.com/givehub/dispatch/internal/db"
	"github.com/givehub/dispatch/internal/dedup"
	"github.com/givehub/dispatch/internal/feed"
	"github.com/givehub/dispatch/internal/ingest"
	"github.com/givehub/dispatch/internal/metrics"
	"github.com/givehub/dispatch/internal/observ"
	"github.com/givehub/dispatch/internal/queue"
	"github.com/givehub/dispatch/internal/redis"
	"github.com/givehub/dispatch/internal/router"
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

	logger.Info("starting dispatch gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
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
		// The queue, dedup store, and counters all live in Redis; the
		// gateway cannot accept events without it.
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	repo := db.NewRepository(database, logger)
	counters := feed.NewCounterCache(redisClient, logger)
	feedSvc := feed.NewService(repo, counters, logger)

	routes, err := router.New()
	if err != nil {
		return fmt.Errorf("priority routing incomplete: %w", err)
	}

	jobQueue := queue.New(redisClient, logger)
	dedupStore := dedup.NewStore(redisClient, logger)

	dispatcher, err := ingest.New(routes, jobQueue, dedupStore, logger)
	if err != nil {
		return fmt.Errorf("event registration incomplete: %w", err)
	}

	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimit,
		Window: cfg.RateLimitWindow,
	})

	handler := api.NewHandler(logger, dispatcher, feedSvc, jobQueue)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", handler.IngestEvent)

		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

			r.Get("/notifications", handler.ListNotifications)
			r.Get("/notifications/unread-count", handler.UnreadCount)
			r.Post("/notifications/read-all", handler.MarkAllRead)
			r.Get("/notifications/{id}", handler.GetNotification)
			r.Patch("/notifications/{id}/read", handler.MarkRead)
			r.Delete("/notifications/{id}", handler.DeleteNotification)
		})

		r.Get("/dlq", handler.ListDeadLetterQueue)
		r.Post("/dlq/{id}/retry", handler.RetryDeadLetterItem)
		r.Post("/dlq/{id}/discard", handler.DiscardDeadLetterItem)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
