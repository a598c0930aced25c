package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	// Hard ceilings for caller-supplied bounds.
	MaxSizeKBLimit    = 10 * 1024
	MaxDimensionLimit = 8192
)

type CreateJobRequest struct {
	SourceType   string `json:"source_type"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	ObjectKey    string `json:"object_key,omitempty"`
	Name         string `json:"name,omitempty"`
	MaxSizeKB    int    `json:"max_size_kb,omitempty"`
	MaxDimension int    `json:"max_dimension,omitempty"`
}

type Job struct {
	ID           string
	UserID       string
	Status       string
	SourceType   string
	WebhookURL   string
	ObjectKey    string
	Name         string
	MaxSizeKB    int
	MaxDimension int
	OutputKey    string
	OutputBytes  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	return ValidateBounds(r.MaxSizeKB, r.MaxDimension)
}

// ValidateBounds checks optional normalizer bounds. Zero means "use default".
func ValidateBounds(maxSizeKB, maxDimension int) error {
	if maxSizeKB < 0 || maxSizeKB > MaxSizeKBLimit {
		return fmt.Errorf("max_size_kb must be between 0 (default) and %d", MaxSizeKBLimit)
	}
	if maxDimension < 0 || maxDimension > MaxDimensionLimit {
		return fmt.Errorf("max_dimension must be between 0 (default) and %d", MaxDimensionLimit)
	}
	return nil
}
