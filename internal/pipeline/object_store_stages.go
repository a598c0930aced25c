package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/snapmatch/internal/domain"
	"github.com/dunamismax/snapmatch/internal/normalize"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned
)

// ObjectStore is the subset of storage.Client the object-store stages use.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, img normalize.NormalizedImage) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := OutputObjectKey(e.OutputPrefix, req.JobID)
	if err := e.Storage.WriteObject(ctx, objectKey, img.Data, img.MediaType); err != nil {
		return Output{}, err
	}

	return newOutput(img, objectKey), nil
}

// OutputObjectKey is where the normalized image for a job is written.
func OutputObjectKey(prefix, jobID string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), outputFileName())
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
