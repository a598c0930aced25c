package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/snapmatch/internal/api"
	"github.com/dunamismax/snapmatch/internal/config"
	"github.com/dunamismax/snapmatch/internal/normalize"
	"github.com/dunamismax/snapmatch/internal/queue"
	"github.com/dunamismax/snapmatch/internal/ratelimit"
	"github.com/dunamismax/snapmatch/internal/storage"
	"github.com/dunamismax/snapmatch/internal/store"
	"github.com/dunamismax/snapmatch/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	shutdownTracing, err := telemetry.SetupTracing(startupCtx, cfg.Tracing.For("snapmatch-api"), logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := normalize.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer normalize.Shutdown()

	backend, err := normalize.NewBackend(cfg.Normalizer.BackendConfig())
	if err != nil {
		logger.Fatalf("normalizer backend init failed: %v", err)
	}
	normalizer, err := normalize.NewNormalizer(backend)
	if err != nil {
		logger.Fatalf("normalizer init failed: %v", err)
	}

	jobStorage, err := storage.NewClient(cfg.Storage.JobClientConfig())
	if err != nil {
		logger.Fatalf("storage client init failed: %v", err)
	}
	if err := jobStorage.EnsureBucket(startupCtx); err != nil {
		logger.Fatalf("ensure bucket %s failed: %v", jobStorage.Bucket(), err)
	}

	profileStorage, err := storage.NewClient(cfg.Storage.ProfileClientConfig())
	if err != nil {
		logger.Fatalf("profile storage client init failed: %v", err)
	}
	if err := profileStorage.EnsureBucket(startupCtx); err != nil {
		logger.Fatalf("ensure bucket %s failed: %v", profileStorage.Bucket(), err)
	}

	var jobStore store.JobStore
	if cfg.Database.DSN != "" {
		pgStore, err := store.NewPostgresJobStore(startupCtx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres job store init failed: %v", err)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				logger.Printf("postgres close error: %v", err)
			}
		}()
		jobStore = pgStore
	} else {
		logger.Printf("POSTGRES_DSN not set, jobs are kept in memory")
		jobStore = store.NewMemoryJobStore()
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("rate limit redis close error: %v", err)
			}
		}()
		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter init failed: %v", err)
		}
		limiter = bucket
	}

	app := api.NewServer(api.Deps{
		Logger:          logger,
		Queue:           queueClient,
		JobStore:        jobStore,
		Storage:         jobStorage,
		ProfileStore:    profileStorage,
		Normalizer:      normalizer,
		Defaults:        cfg.Normalizer,
		PresignTTL:      cfg.API.PresignTTL,
		MaxUpload:       cfg.Upload.MaxBytes,
		UserIDHeader:    cfg.Upload.UserIDHeader,
		RateLimiter:     limiter,
		LocalSourceRoot: cfg.Storage.LocalSourceRoot,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf(
			"listening on %s max_size_kb=%d max_dimension=%d max_upload_bytes=%d",
			cfg.API.Addr,
			cfg.Normalizer.MaxSizeKB,
			cfg.Normalizer.MaxDimension,
			cfg.Upload.MaxBytes,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
