package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/snapmatch/internal/config"
	"github.com/dunamismax/snapmatch/internal/domain"
	"github.com/dunamismax/snapmatch/internal/normalize"
	"github.com/dunamismax/snapmatch/internal/pipeline"
	"github.com/dunamismax/snapmatch/internal/queue"
	"github.com/dunamismax/snapmatch/internal/store"
	"github.com/dunamismax/snapmatch/internal/webhook"
)

const outputPrefix = "outputs"

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	bounds          boundsResolver
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type boundsResolver interface {
	Options(maxSizeKB, maxDimension int) normalize.Options
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Deps struct {
	Logger      *log.Logger
	Queue       config.QueueConfig
	Worker      config.WorkerConfig
	Normalizer  pipeline.Normalizer
	Bounds      boundsResolver
	ObjectStore pipeline.ObjectStore
	Webhook     webhookSender
	JobStore    store.JobStore
	UsageStore  store.UsageStore

	// LocalSourceRoot confines local_file sources; empty disables them.
	LocalSourceRoot string
}

func NewServer(deps Deps) (*Server, error) {
	if deps.ObjectStore == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if deps.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	localProcessor, err := pipeline.NewLocalProcessor(deps.Normalizer, deps.LocalSourceRoot, deps.Worker.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	objectProcessor, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: deps.ObjectStore},
		deps.Normalizer,
		pipeline.ObjectStoreEmitter{Storage: deps.ObjectStore, OutputPrefix: outputPrefix},
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	usageStore := deps.UsageStore
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.JobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	bounds := deps.Bounds
	if bounds == nil {
		bounds = config.NormalizerConfig{
			MaxSizeKB:    normalize.DefaultMaxSizeKB,
			MaxDimension: normalize.DefaultMaxDimension,
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			deps.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: deps.Worker.Concurrency,
				Queues: map[string]int{
					deps.Queue.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, deps.Worker.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		bounds:          bounds,
		webhookClient:   deps.Webhook,
		jobStore:        deps.JobStore,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("snapmatch/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeNormalizeImage, s.handleNormalizeImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleNormalizeImage(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseNormalizeImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.process(ctx, payload)
}

func (s *Server) process(ctx context.Context, payload queue.NormalizeImagePayload) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker.normalize_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.max_size_kb", payload.MaxSizeKB),
		attribute.Int("job.max_dimension", payload.MaxDimension),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s source_type=%s object_key=%s max_size_kb=%d max_dimension=%d",
		payload.JobID,
		payload.SourceType,
		payload.ObjectKey,
		payload.MaxSizeKB,
		payload.MaxDimension,
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Name:       payload.Name,
		Options:    s.bounds.Options(payload.MaxSizeKB, payload.MaxDimension),
	}

	proc := s.objectProcessor
	if payload.SourceType == domain.SourceTypeLocalFile {
		proc = s.localProcessor
	}

	result, err := proc.Process(ctx, request)
	if err != nil {
		return s.fail(ctx, span, payload, err)
	}
	return s.complete(ctx, span, payload, result, startedAt, &outcome)
}

func (s *Server) complete(ctx context.Context, span trace.Span, payload queue.NormalizeImagePayload, result pipeline.Result, startedAt time.Time, outcome *string) error {
	output := result.Output
	s.logger.Printf(
		"Normalized job_id=%s bytes=%d->%d size=%dx%d quality=%d attempts=%d",
		payload.JobID,
		result.SourceBytes,
		output.Bytes,
		output.Width,
		output.Height,
		output.Quality,
		output.Attempts,
	)
	if !output.WithinLimit {
		s.logger.Printf("normalized output over size bound job_id=%s bytes=%d", payload.JobID, output.Bytes)
		s.metrics.overLimitTotal.Inc()
	}
	s.metrics.encodeAttempts.Observe(float64(output.Attempts))

	if s.jobStore != nil {
		if err := s.jobStore.SetOutput(ctx, payload.JobID, output.Path, output.Bytes); err != nil {
			s.logger.Printf("job output update failed job_id=%s err=%v", payload.JobID, err)
		}
	}
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"output":       output,
	}); err != nil {
		// Output, status and usage are committed; a task retry would repeat them.
		span.RecordError(err)
	}

	*outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "normalized")
	return nil
}

// fail records a processing error. Unreadable or oversized sources are
// terminal; anything else is retried by asynq and only reported as failed on
// the last attempt.
func (s *Server) fail(ctx context.Context, span trace.Span, payload queue.NormalizeImagePayload, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "normalize failed")

	permanent := isPermanent(err)
	if !permanent && !isFinalAttempt(ctx) {
		s.logger.Printf("normalize attempt failed job_id=%s err=%v", payload.JobID, err)
		return fmt.Errorf("run pipeline: %w", err)
	}

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
	if werr := s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        err.Error(),
	}); werr != nil {
		span.RecordError(werr)
	}

	if permanent {
		return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", err)
}

func isPermanent(err error) bool {
	var (
		decodeErr *normalize.DecodeError
		ctxErr    *normalize.ContextUnavailableError
	)
	return errors.As(err, &decodeErr) ||
		errors.As(err, &ctxErr) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, pipeline.ErrLocalSourceDisabled) ||
		errors.Is(err, pipeline.ErrLocalPathOutsideRoot)
}

func isFinalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.NormalizeImagePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		s.metrics.webhookFailuresTotal.WithLabelValues(event).Inc()
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	output := result.Output
	pixelsProcessed := int64(output.Width) * int64(output.Height)

	bytesSaved := int64(result.SourceBytes - output.Bytes)
	if bytesSaved < 0 {
		bytesSaved = 0
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		SourceBytes:     int64(result.SourceBytes),
		OutputBytes:     int64(output.Bytes),
		BytesSaved:      bytesSaved,
		PixelsProcessed: pixelsProcessed,
		Quality:         output.Quality,
		Attempts:        output.Attempts,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
