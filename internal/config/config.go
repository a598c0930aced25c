package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/snapmatch/internal/normalize"
	"github.com/dunamismax/snapmatch/internal/storage"
	"github.com/dunamismax/snapmatch/internal/telemetry"
	"github.com/dunamismax/snapmatch/internal/webhook"
)

type Config struct {
	API        APIConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Tracing    TracingConfig
	RateLimit  RateLimitConfig
	Webhook    WebhookConfig
	Normalizer NormalizerConfig
	Upload     UploadConfig
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	MetricsAddr    string
}

type StorageConfig struct {
	Endpoint         string
	AccessKey        string
	SecretKey        string
	Bucket           string
	ProfileBucket    string
	ProfilePublicURL string
	UseSSL           bool
	// LocalSourceRoot is the only directory local_file jobs may read from.
	// Empty disables local_file sources.
	LocalSourceRoot string
}

func (s StorageConfig) JobClientConfig() storage.Config {
	return storage.Config{
		Endpoint: s.Endpoint,
		Access:   s.AccessKey,
		Secret:   s.SecretKey,
		Bucket:   s.Bucket,
		UseSSL:   s.UseSSL,
	}
}

func (s StorageConfig) ProfileClientConfig() storage.Config {
	return storage.Config{
		Endpoint:      s.Endpoint,
		Access:        s.AccessKey,
		Secret:        s.SecretKey,
		Bucket:        s.ProfileBucket,
		UseSSL:        s.UseSSL,
		PublicBaseURL: s.ProfilePublicURL,
	}
}

type DatabaseConfig struct {
	DSN string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func (t TracingConfig) For(serviceName string) telemetry.TraceConfig {
	return telemetry.TraceConfig{
		ServiceName:  serviceName,
		Exporter:     t.Exporter,
		OTLPEndpoint: t.OTLPEndpoint,
		OTLPInsecure: t.OTLPInsecure,
	}
}

type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	Window       time.Duration
	UserIDHeader string
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (w WebhookConfig) ClientConfig() webhook.Config {
	return webhook.Config{
		SigningSecret:  w.SigningSecret,
		Timeout:        w.Timeout,
		MaxAttempts:    w.MaxAttempts,
		InitialBackoff: w.InitialBackoff,
		MaxBackoff:     w.MaxBackoff,
	}
}

type NormalizerConfig struct {
	Backend      string
	Resampler    string
	MaxSizeKB    int
	MaxDimension int
	MaxPixels    int64
}

func (n NormalizerConfig) BackendConfig() normalize.BackendConfig {
	return normalize.BackendConfig{
		Name:      n.Backend,
		Resampler: n.Resampler,
		MaxPixels: n.MaxPixels,
	}
}

// Options resolves per-request overrides against the configured defaults.
func (n NormalizerConfig) Options(maxSizeKB, maxDimension int) normalize.Options {
	if maxSizeKB <= 0 {
		maxSizeKB = n.MaxSizeKB
	}
	if maxDimension <= 0 {
		maxDimension = n.MaxDimension
	}
	return normalize.OptionsFromKB(maxSizeKB, maxDimension)
}

type UploadConfig struct {
	MaxBytes     int64
	UserIDHeader string
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)
	userIDHeader := env("AUTH_USER_ID_HEADER", "X-User-ID")

	return Config{
		API: APIConfig{
			Addr:       env("SNAPMATCH_API_ADDR", ":8080"),
			PresignTTL: envDuration("PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.snapmatch-output"),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:         env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:        env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:        env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:           env("MINIO_BUCKET", "snapmatch-jobs"),
			ProfileBucket:    env("PROFILE_IMAGE_BUCKET", "profile-images"),
			ProfilePublicURL: env("PROFILE_IMAGE_PUBLIC_URL", ""),
			UseSSL:           envBool("MINIO_USE_SSL", false),
			LocalSourceRoot:  env("LOCAL_SOURCE_ROOT", ""),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("RATE_LIMIT_ENABLED", true),
			Capacity:     envInt("RATE_LIMIT_CAPACITY", 30),
			Window:       envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: userIDHeader,
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Normalizer: NormalizerConfig{
			Backend:      env("NORMALIZER_BACKEND", ""),
			Resampler:    env("NORMALIZER_RESAMPLER", normalize.DefaultResampler),
			MaxSizeKB:    envInt("NORMALIZER_MAX_SIZE_KB", normalize.DefaultMaxSizeKB),
			MaxDimension: envInt("NORMALIZER_MAX_DIMENSION", normalize.DefaultMaxDimension),
			MaxPixels:    int64(envInt("NORMALIZER_MAX_PIXELS", int(normalize.DefaultMaxPixels))),
		},
		Upload: UploadConfig{
			MaxBytes:     int64(envInt("UPLOAD_MAX_BYTES", 10*1024*1024)),
			UserIDHeader: userIDHeader,
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
