package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/snapmatch/internal/config"
	"github.com/dunamismax/snapmatch/internal/normalize"
	"github.com/dunamismax/snapmatch/internal/storage"
	"github.com/dunamismax/snapmatch/internal/store"
	"github.com/dunamismax/snapmatch/internal/telemetry"
	"github.com/dunamismax/snapmatch/internal/webhook"
	"github.com/dunamismax/snapmatch/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	shutdownTracing, err := telemetry.SetupTracing(startupCtx, cfg.Tracing.For("snapmatch-worker"), logger)
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

	storageClient, err := storage.NewClient(cfg.Storage.JobClientConfig())
	if err != nil {
		logger.Fatalf("storage client init failed: %v", err)
	}
	if err := storageClient.EnsureBucket(startupCtx); err != nil {
		logger.Fatalf("ensure bucket %s failed: %v", storageClient.Bucket(), err)
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
		logger.Printf("POSTGRES_DSN not set, job status and usage are not persisted across processes")
		jobStore = store.NewMemoryJobStore()
	}

	srv, err := worker.NewServer(worker.Deps{
		Logger:          logger,
		Queue:           cfg.Queue,
		Worker:          cfg.Worker,
		Normalizer:      normalizer,
		Bounds:          cfg.Normalizer,
		ObjectStore:     storageClient,
		Webhook:         webhook.NewClient(cfg.Webhook.ClientConfig()),
		JobStore:        jobStore,
		LocalSourceRoot: cfg.Storage.LocalSourceRoot,
	})
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s backend=%q",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Normalizer.Backend,
	)

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks.
	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
