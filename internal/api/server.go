package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/snapmatch/internal/domain"
	"github.com/dunamismax/snapmatch/internal/id"
	"github.com/dunamismax/snapmatch/internal/normalize"
	"github.com/dunamismax/snapmatch/internal/pipeline"
	"github.com/dunamismax/snapmatch/internal/queue"
	"github.com/dunamismax/snapmatch/internal/store"
)

const defaultUserIDHeader = "X-User-ID"

type Server struct {
	logger          *log.Logger
	queueClient     queueEnqueuer
	jobStore        store.JobStore
	storage         objectStorage
	profileStore    profileStorage
	normalizer      imageNormalizer
	defaults        boundsResolver
	presignTTL      time.Duration
	maxUpload       int64
	userIDHeader    string
	localSourceRoot string
	rateLimiter     RateLimiter
	metrics         *metrics
	tracer          trace.Tracer
	mux             *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueNormalizeImage(ctx context.Context, payload queue.NormalizeImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type profileStorage interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	PublicURL(objectKey string) string
}

type imageNormalizer interface {
	Normalize(ctx context.Context, src normalize.SourceImage, opts normalize.Options) (normalize.NormalizedImage, error)
}

// boundsResolver fills unset per-request bounds from configuration.
type boundsResolver interface {
	Options(maxSizeKB, maxDimension int) normalize.Options
}

type Deps struct {
	Logger       *log.Logger
	Queue        queueEnqueuer
	JobStore     store.JobStore
	Storage      objectStorage
	ProfileStore profileStorage
	Normalizer   imageNormalizer
	Defaults     boundsResolver
	PresignTTL   time.Duration
	MaxUpload    int64
	UserIDHeader string
	RateLimiter  RateLimiter

	// LocalSourceRoot confines local_file jobs; empty disables them.
	LocalSourceRoot string
}

func NewServer(deps Deps) *Server {
	presignTTL := deps.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	maxUpload := deps.MaxUpload
	if maxUpload <= 0 {
		maxUpload = 10 * 1024 * 1024
	}
	userIDHeader := strings.TrimSpace(deps.UserIDHeader)
	if userIDHeader == "" {
		userIDHeader = defaultUserIDHeader
	}
	storage := deps.Storage
	if storage == nil {
		storage = unavailableObjectStorage{}
	}
	defaults := deps.Defaults
	if defaults == nil {
		defaults = builtinDefaults{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Server{
		logger:          logger,
		queueClient:     deps.Queue,
		jobStore:        deps.JobStore,
		storage:         storage,
		profileStore:    deps.ProfileStore,
		normalizer:      deps.Normalizer,
		defaults:        defaults,
		presignTTL:      presignTTL,
		maxUpload:       maxUpload,
		userIDHeader:    userIDHeader,
		localSourceRoot: strings.TrimSpace(deps.LocalSourceRoot),
		rateLimiter:     deps.RateLimiter,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("snapmatch/api"),
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

type builtinDefaults struct{}

func (builtinDefaults) Options(maxSizeKB, maxDimension int) normalize.Options {
	return normalize.OptionsFromKB(maxSizeKB, maxDimension)
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/images", s.handleUploadImage)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("POST /v1/jobs/", s.handleStartJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	switch sourceType {
	case domain.SourceTypeLocalFile:
		resolved, err := pipeline.ResolveLocalPath(s.localSourceRoot, objectKey)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": localSourceError(err)})
			return
		}
		objectKey = resolved
	case domain.SourceTypeS3Presigned:
		objectKey = fmt.Sprintf("uploads/%s/source", jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("generate presigned url failed job_id=%s err=%v", jobID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:           jobID,
		UserID:       userID,
		Status:       domain.JobStatusCreated,
		SourceType:   sourceType,
		WebhookURL:   req.WebhookURL,
		ObjectKey:    objectKey,
		Name:         req.Name,
		MaxSizeKB:    req.MaxSizeKB,
		MaxDimension: req.MaxDimension,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	jobID, err := extractJobIDFromStartPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, ok := s.loadOwnedJob(w, r, jobID, userID)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job already %s", job.Status)})
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	payload := queue.NormalizeImagePayload{
		JobID:        job.ID,
		UserID:       job.UserID,
		SourceType:   job.SourceType,
		WebhookURL:   job.WebhookURL,
		ObjectKey:    job.ObjectKey,
		Name:         job.Name,
		MaxSizeKB:    job.MaxSizeKB,
		MaxDimension: job.MaxDimension,
		RequestedAt:  time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueNormalizeImage(r.Context(), payload)
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	job, ok := s.loadOwnedJob(w, r, r.PathValue("id"), userID)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"source_type":  job.SourceType,
		"object_key":   job.ObjectKey,
		"output_key":   job.OutputKey,
		"output_bytes": job.OutputBytes,
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	})
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		sourcePath, err := pipeline.ResolveLocalPath(s.localSourceRoot, job.ObjectKey)
		if err != nil {
			return errors.New(localSourceError(err))
		}
		if _, err := os.Stat(sourcePath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

// requireUser reads the caller identity set by the auth gateway and answers
// 401 when it is missing.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(s.userIDHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// loadOwnedJob answers 404 for missing jobs and for jobs owned by another user.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request, jobID, userID string) (domain.Job, bool) {
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok || job.UserID != userID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func localSourceError(err error) string {
	if errors.Is(err, pipeline.ErrLocalSourceDisabled) {
		return "local_file sources are disabled"
	}
	return "object_key must be a path inside the local source root"
}

func extractJobIDFromStartPath(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/v1/jobs/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "start" {
		return "", errors.New("expected path format /v1/jobs/{id}/start")
	}
	return parts[0], nil
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
