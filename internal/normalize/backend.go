package normalize

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendImaging = "imaging"
	BackendGovips  = "govips"

	// DefaultMaxPixels caps the decoded source raster at roughly 64MP.
	DefaultMaxPixels int64 = 64 * 1024 * 1024
)

// Backend turns encoded bytes into a Canvas. Implementations return
// *DecodeError for unreadable input and *ContextUnavailableError when no
// raster can be allocated.
type Backend interface {
	Load(ctx context.Context, data []byte) (Canvas, error)
}

// Canvas is a decoded raster owned by a single Normalize call.
type Canvas interface {
	Size() (width, height int)
	Resize(width, height int) error
	EncodeJPEG(quality int) ([]byte, error)
	Close()
}

type BackendConfig struct {
	Name      string
	Resampler string
	MaxPixels int64
}

// NewBackend builds the backend named by cfg.Name. An empty name selects the
// govips backend when the binary was built with it, otherwise imaging.
func NewBackend(cfg BackendConfig) (Backend, error) {
	maxPixels := cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "":
		return defaultBackend(cfg.Resampler, maxPixels)
	case BackendImaging:
		return newImagingBackend(cfg.Resampler, maxPixels)
	case BackendGovips:
		return newGovipsBackend(maxPixels)
	default:
		return nil, fmt.Errorf("unsupported normalizer backend: %s", cfg.Name)
	}
}

func checkPixelBudget(width, height int, maxPixels int64) error {
	if width <= 0 || height <= 0 {
		return &DecodeError{Err: fmt.Errorf("invalid dimensions %dx%d", width, height)}
	}
	if pixels := int64(width) * int64(height); pixels > maxPixels {
		return &ContextUnavailableError{
			Reason: fmt.Sprintf("source %dx%d exceeds pixel budget %d", width, height, maxPixels),
		}
	}
	return nil
}
