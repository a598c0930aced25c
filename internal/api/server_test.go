package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/snapmatch/internal/domain"
	"github.com/dunamismax/snapmatch/internal/normalize"
	"github.com/dunamismax/snapmatch/internal/queue"
	"github.com/dunamismax/snapmatch/internal/ratelimit"
	"github.com/dunamismax/snapmatch/internal/store"
)

func TestExtractJobIDFromStartPath(t *testing.T) {
	jobID, err := extractJobIDFromStartPath("/v1/jobs/abc123/start")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if jobID != "abc123" {
		t.Fatalf("expected abc123, got %s", jobID)
	}

	if _, err := extractJobIDFromStartPath("/v1/jobs/abc123"); err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestUploadImageNormalizesAndStores(t *testing.T) {
	h := newHarness(t)

	body, contentType := multipartImage(t, "beach.png", "image/png", testPNG(t, 2400, 1200), nil)
	rec := h.do(t, http.MethodPost, "/v1/images", body, contentType, "user-42")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		URL         string `json:"url"`
		Path        string `json:"path"`
		Name        string `json:"name"`
		MediaType   string `json:"media_type"`
		Bytes       int    `json:"bytes"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		Quality     int    `json:"quality"`
		WithinLimit bool   `json:"within_limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Regexp(t, `^user-42/\d+\.jpg$`, resp.Path)
	assert.Equal(t, "https://cdn.test/profile-images/"+resp.Path, resp.URL)
	assert.Equal(t, "beach.png", resp.Name)
	assert.Equal(t, "image/jpeg", resp.MediaType)
	assert.Equal(t, 1920, resp.Width)
	assert.Equal(t, 960, resp.Height)
	assert.True(t, resp.WithinLimit)

	stored, ok := h.profiles.get(resp.Path)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", stored.contentType)
	assert.Len(t, stored.data, resp.Bytes)
}

func TestUploadImageHonorsBoundOverrides(t *testing.T) {
	h := newHarness(t)

	body, contentType := multipartImage(t, "me.png", "image/png", testPNG(t, 800, 600), map[string]string{
		"max_dimension": "400",
		"max_size_kb":   "100",
	})
	rec := h.do(t, http.MethodPost, "/v1/images", body, contentType, "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 400, resp["width"])
	assert.EqualValues(t, 300, resp["height"])
}

func TestUploadImageRejections(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		build    func(t *testing.T) (*bytes.Buffer, string)
		wantCode int
		wantErr  string
	}{
		{
			name:   "missing user",
			userID: "",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartImage(t, "a.png", "image/png", testPNG(t, 10, 10), nil)
			},
			wantCode: http.StatusUnauthorized,
			wantErr:  "unauthorized",
		},
		{
			name:   "not an image",
			userID: "user-1",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartImage(t, "notes.txt", "text/plain", []byte("hello"), nil)
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "file must be an image",
		},
		{
			name:   "missing file",
			userID: "user-1",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				var buf bytes.Buffer
				mw := multipart.NewWriter(&buf)
				require.NoError(t, mw.WriteField("max_size_kb", "100"))
				require.NoError(t, mw.Close())
				return &buf, mw.FormDataContentType()
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "no file provided",
		},
		{
			name:   "too large",
			userID: "user-1",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartImage(t, "big.png", "image/png", bytes.Repeat([]byte{0xff}, 2048), nil)
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "file size must be less than",
		},
		{
			name:   "corrupt image",
			userID: "user-1",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartImage(t, "broken.jpg", "image/jpeg", []byte("not really a jpeg"), nil)
			},
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "please choose a different image",
		},
		{
			name:   "bad bound",
			userID: "user-1",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartImage(t, "a.png", "image/png", testPNG(t, 10, 10), map[string]string{"max_dimension": "huge"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "max_dimension must be an integer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.server.maxUpload = 1024

			body, contentType := tt.build(t)
			rec := h.do(t, http.MethodPost, "/v1/images", body, contentType, tt.userID)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantErr)
			assert.Zero(t, h.profiles.count())
		})
	}
}

func TestUploadImageStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.profiles.err = errors.New("bucket gone")

	body, contentType := multipartImage(t, "a.png", "image/png", testPNG(t, 20, 20), nil)
	rec := h.do(t, http.MethodPost, "/v1/images", body, contentType, "user-1")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to upload image")
}

func TestClassifyNormalizeError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantLabel  string
	}{
		{&normalize.DecodeError{Err: errors.New("x")}, http.StatusUnprocessableEntity, "decode_error"},
		{&normalize.ContextUnavailableError{Reason: "x"}, http.StatusUnprocessableEntity, "context_unavailable"},
		{fmt.Errorf("wrapped: %w", &normalize.EncodeError{Quality: 50, Err: errors.New("x")}), http.StatusInternalServerError, "encode_error"},
		{context.Canceled, http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		status, _, label := classifyNormalizeError(tt.err)
		assert.Equal(t, tt.wantStatus, status, tt.err.Error())
		assert.Equal(t, tt.wantLabel, label, tt.err.Error())
	}
}

func TestProfileObjectKey(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, "user-1/1700000000123.jpg", profileObjectKey("user-1", now))
	assert.Equal(t, "a_b_c/1700000000123.jpg", profileObjectKey("a/b.c", now))
}

func TestJobLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned","max_size_kb":500}`), "application/json", "user-7")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		JobID  string `json:"job_id"`
		Upload struct {
			ObjectKey string `json:"object_key"`
			URL       string `json:"presigned_put_url"`
			State     string `json:"presigned_url_state"`
		} `json:"upload"`
		StartURL string `json:"start_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "ready", created.Upload.State)
	assert.Equal(t, "uploads/"+created.JobID+"/source", created.Upload.ObjectKey)

	rec = h.do(t, http.MethodPost, created.StartURL, nil, "", "user-7")
	assert.Equal(t, http.StatusConflict, rec.Code, "source not uploaded yet")

	h.objects.put(created.Upload.ObjectKey)
	rec = h.do(t, http.MethodPost, created.StartURL, nil, "", "user-7")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, h.queue.payloads, 1)
	payload := h.queue.payloads[0]
	assert.Equal(t, created.JobID, payload.JobID)
	assert.Equal(t, "user-7", payload.UserID)
	assert.Equal(t, 500, payload.MaxSizeKB)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, "", "user-7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"`+domain.JobStatusQueued+`"`)

	rec = h.do(t, http.MethodPost, created.StartURL, nil, "", "user-7")
	assert.Equal(t, http.StatusConflict, rec.Code, "job cannot be started twice")
}

func TestGetJobNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/jobs/missing", nil, "", "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned","pipeline":[]}`), "application/json", "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobRoutesRequireUser(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned"}`), "application/json", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.queue.payloads)

	rec = h.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned"}`), "application/json", "user-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created struct {
		JobID    string `json:"job_id"`
		StartURL string `json:"start_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(t, http.MethodPost, created.StartURL, nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobsAreScopedToOwner(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned"}`), "application/json", "user-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created struct {
		JobID  string `json:"job_id"`
		Upload struct {
			ObjectKey string `json:"object_key"`
		} `json:"upload"`
		StartURL string `json:"start_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	h.objects.put(created.Upload.ObjectKey)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, "", "user-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodPost, created.StartURL, nil, "", "user-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.queue.payloads)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, "", "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateLocalJobConfinedToSourceRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "in.png"), testPNG(t, 8, 8), 0o644))
	outside := filepath.Join(t.TempDir(), "secret.png")
	require.NoError(t, os.WriteFile(outside, testPNG(t, 8, 8), 0o644))

	tests := []struct {
		name      string
		root      string
		objectKey string
		wantCode  int
		wantError string
	}{
		{name: "relative inside root", root: root, objectKey: "in.png", wantCode: http.StatusAccepted},
		{name: "absolute inside root", root: root, objectKey: filepath.Join(root, "in.png"), wantCode: http.StatusAccepted},
		{name: "parent traversal", root: root, objectKey: "../in.png", wantCode: http.StatusBadRequest, wantError: "local source root"},
		{name: "absolute outside root", root: root, objectKey: outside, wantCode: http.StatusBadRequest, wantError: "local source root"},
		{name: "no root configured", root: "", objectKey: "in.png", wantCode: http.StatusBadRequest, wantError: "disabled"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.server.localSourceRoot = tc.root

			body, err := json.Marshal(map[string]string{"source_type": domain.SourceTypeLocalFile, "object_key": tc.objectKey})
			require.NoError(t, err)
			rec := h.do(t, http.MethodPost, "/v1/jobs", bytes.NewReader(body), "application/json", "user-1")
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			if tc.wantError != "" {
				assert.Contains(t, rec.Body.String(), tc.wantError)
				return
			}

			var created struct {
				Upload struct {
					ObjectKey string `json:"object_key"`
				} `json:"upload"`
				StartURL string `json:"start_url"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
			assert.Equal(t, filepath.Join(root, "in.png"), created.Upload.ObjectKey)

			rec = h.do(t, http.MethodPost, created.StartURL, nil, "", "user-1")
			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			require.Len(t, h.queue.payloads, 1)
		})
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	h := newHarness(t)
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	h.server.rateLimiter = limiter

	rec := h.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned"}`), "application/json", "user-1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "user-1:/v1/jobs", limiter.subject)
	assert.Equal(t, 1, limiter.n)

	body, contentType := multipartImage(t, "a.png", "image/png", testPNG(t, 10, 10), nil)
	rec = h.do(t, http.MethodPost, "/v1/images", body, contentType, "user-1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, uploadCost, limiter.n)

	rec = h.do(t, http.MethodGet, "/healthz", nil, "", "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/healthz", nil, "", "")

	rec := h.do(t, http.MethodGet, "/metrics", nil, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "snapmatch_api_requests_total")
}

type harness struct {
	server   *Server
	handler  http.Handler
	queue    *fakeQueue
	objects  *fakeObjects
	profiles *fakeProfiles
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend, err := normalize.NewBackend(normalize.BackendConfig{Name: normalize.BackendImaging})
	require.NoError(t, err)
	normalizer, err := normalize.NewNormalizer(backend)
	require.NoError(t, err)

	h := &harness{
		queue:    &fakeQueue{},
		objects:  &fakeObjects{keys: map[string]bool{}},
		profiles: &fakeProfiles{objects: map[string]storedObject{}},
	}
	h.server = NewServer(Deps{
		Queue:        h.queue,
		JobStore:     store.NewMemoryJobStore(),
		Storage:      h.objects,
		ProfileStore: h.profiles,
		Normalizer:   normalizer,
	})
	h.handler = h.server.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, contentType, userID string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		req.Header.Set(defaultUserIDHeader, userID)
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func multipartImage(t *testing.T, filename, mediaType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mediaType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeQueue struct {
	payloads []queue.NormalizeImagePayload
}

func (q *fakeQueue) EnqueueNormalizeImage(_ context.Context, payload queue.NormalizeImagePayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{
		ID:            payload.JobID,
		Queue:         "default",
		State:         asynq.TaskStatePending,
		NextProcessAt: time.Now(),
	}, nil
}

type fakeObjects struct {
	keys map[string]bool
}

func (o *fakeObjects) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "http://minio.test/snapmatch-jobs/" + objectKey + "?X-Amz-Signature=abc", nil
}

func (o *fakeObjects) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	return o.keys[objectKey], nil
}

func (o *fakeObjects) put(key string) { o.keys[key] = true }

type storedObject struct {
	data        []byte
	contentType string
}

type fakeProfiles struct {
	mu      sync.Mutex
	objects map[string]storedObject
	err     error
}

func (p *fakeProfiles) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = storedObject{data: data, contentType: contentType}
	return nil
}

func (p *fakeProfiles) PublicURL(key string) string {
	return "https://cdn.test/profile-images/" + key
}

func (p *fakeProfiles) get(key string) (storedObject, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[key]
	return obj, ok
}

func (p *fakeProfiles) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

type fakeLimiter struct {
	decision ratelimit.Decision
	subject  string
	n        int
}

func (l *fakeLimiter) AllowN(_ context.Context, subject string, n int) (ratelimit.Decision, error) {
	l.subject = subject
	l.n = n
	return l.decision, nil
}
