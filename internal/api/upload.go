package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/snapmatch/internal/domain"
	"github.com/dunamismax/snapmatch/internal/normalize"
)

const (
	uploadFormField = "file"
	// multipart framing and small form fields on top of the file itself
	multipartOverhead = 1 << 20
)

var errUploadTooLarge = errors.New("upload exceeds size limit")

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.normalizer == nil || s.profileStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "image uploads are unavailable"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": s.tooLargeMessage()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no file provided"})
		return
	}
	defer file.Close()

	mediaType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(mediaType, "image/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file must be an image"})
		return
	}

	maxSizeKB, maxDimension, err := parseBounds(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	data, err := readUpload(file, header, s.maxUpload)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": s.tooLargeMessage()})
			return
		}
		s.logger.Printf("read upload failed user_id=%s err=%v", userID, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read file"})
		return
	}

	ctx := r.Context()
	startedAt := time.Now()
	img, err := s.normalizer.Normalize(ctx, normalize.SourceImage{
		Name:      header.Filename,
		MediaType: mediaType,
		Data:      data,
	}, s.defaults.Options(maxSizeKB, maxDimension))
	s.metrics.normalizeDuration.Observe(time.Since(startedAt).Seconds())
	if err != nil {
		status, message, outcome := classifyNormalizeError(err)
		s.metrics.imagesNormalized.WithLabelValues(outcome).Inc()
		s.logger.Printf("normalize failed user_id=%s name=%q outcome=%s err=%v", userID, header.Filename, outcome, err)
		writeJSON(w, status, map[string]string{"error": message})
		return
	}
	s.metrics.imagesNormalized.WithLabelValues(normalizeOutcome(img)).Inc()
	s.metrics.encodeAttempts.Observe(float64(img.Attempts))
	if !img.WithinLimit {
		s.logger.Printf("normalized image over size bound user_id=%s bytes=%d quality=%d", userID, img.Size(), img.Quality)
	}

	objectKey := profileObjectKey(userID, time.Now())
	if err := s.profileStore.WriteObject(ctx, objectKey, img.Data, img.MediaType); err != nil {
		s.logger.Printf("profile image upload failed user_id=%s key=%s err=%v", userID, objectKey, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to upload image"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":            s.profileStore.PublicURL(objectKey),
		"path":           objectKey,
		"name":           img.Name,
		"media_type":     img.MediaType,
		"bytes":          img.Size(),
		"original_bytes": len(data),
		"width":          img.Width,
		"height":         img.Height,
		"quality":        img.Quality,
		"within_limit":   img.WithinLimit,
	})
}

func (s *Server) tooLargeMessage() string {
	return fmt.Sprintf("file size must be less than %dMB", s.maxUpload/(1024*1024))
}

func readUpload(file multipart.File, header *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	if header.Size > maxBytes {
		return nil, errUploadTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, errUploadTooLarge
	}
	return data, nil
}

func parseBounds(r *http.Request) (int, int, error) {
	maxSizeKB, err := formInt(r, "max_size_kb")
	if err != nil {
		return 0, 0, err
	}
	maxDimension, err := formInt(r, "max_dimension")
	if err != nil {
		return 0, 0, err
	}
	if err := domain.ValidateBounds(maxSizeKB, maxDimension); err != nil {
		return 0, 0, err
	}
	return maxSizeKB, maxDimension, nil
}

func formInt(r *http.Request, field string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return v, nil
}

// classifyNormalizeError maps a normalizer failure to an HTTP status, a
// user-facing message and a metrics outcome label.
func classifyNormalizeError(err error) (int, string, string) {
	var (
		decodeErr *normalize.DecodeError
		ctxErr    *normalize.ContextUnavailableError
		encodeErr *normalize.EncodeError
	)
	switch {
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity, "could not read image, please choose a different image", "decode_error"
	case errors.As(err, &ctxErr):
		return http.StatusUnprocessableEntity, "image is too large to process, please choose a different image", "context_unavailable"
	case errors.As(err, &encodeErr):
		return http.StatusInternalServerError, "failed to process image", "encode_error"
	default:
		return http.StatusInternalServerError, "failed to process image", "error"
	}
}

func normalizeOutcome(img normalize.NormalizedImage) string {
	if img.WithinLimit {
		return "ok"
	}
	return "over_limit"
}

// profileObjectKey mirrors the storage layout used by the web client:
// <user>/<unix millis>.jpg.
func profileObjectKey(userID string, now time.Time) string {
	return fmt.Sprintf("%s/%d.%s", sanitizeKeySegment(userID), now.UnixMilli(), normalize.OutputExtension)
}

func sanitizeKeySegment(in string) string {
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
