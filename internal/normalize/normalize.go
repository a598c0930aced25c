// Package normalize re-encodes arbitrary raster images into bounded JPEGs
// suitable for profile photo storage.
package normalize

import (
	"context"
	"errors"
)

const (
	DefaultMaxSizeKB    = 800
	DefaultMaxDimension = 1920

	OutputMediaType = "image/jpeg"
	OutputExtension = "jpg"

	// Qualities are percentages: 90, 80, ... 10.
	InitialQuality = 90
	QualityStep    = 10
	MinQuality     = 10
)

type SourceImage struct {
	Name      string
	MediaType string
	Data      []byte
}

type Options struct {
	MaxSizeBytes int64
	MaxDimension int
}

// OptionsFromKB converts a kilobyte budget (1 KB = 1024 bytes) into Options.
// Non-positive values fall back to the defaults.
func OptionsFromKB(maxSizeKB, maxDimension int) Options {
	opts := Options{MaxDimension: maxDimension}
	if maxSizeKB > 0 {
		opts.MaxSizeBytes = int64(maxSizeKB) * 1024
	}
	return opts.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxSizeBytes <= 0 {
		o.MaxSizeBytes = DefaultMaxSizeKB * 1024
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	return o
}

type NormalizedImage struct {
	Name      string
	MediaType string
	Data      []byte
	Width     int
	Height    int
	// Quality is the JPEG quality of the accepted attempt.
	Quality  int
	Attempts int
	// WithinLimit is false when even MinQuality exceeded MaxSizeBytes.
	WithinLimit bool
}

func (n NormalizedImage) Size() int {
	return len(n.Data)
}

type Normalizer struct {
	backend Backend
}

func NewNormalizer(backend Backend) (*Normalizer, error) {
	if backend == nil {
		return nil, errors.New("normalizer backend is required")
	}
	return &Normalizer{backend: backend}, nil
}

// Normalize decodes src, bounds its longer side to opts.MaxDimension and
// re-encodes it as JPEG, lowering quality from InitialQuality by QualityStep
// until the payload fits opts.MaxSizeBytes. The MinQuality attempt is
// accepted even when it does not fit.
func (n *Normalizer) Normalize(ctx context.Context, src SourceImage, opts Options) (NormalizedImage, error) {
	opts = opts.withDefaults()

	canvas, err := n.backend.Load(ctx, src.Data)
	if err != nil {
		return NormalizedImage{}, err
	}
	defer canvas.Close()

	srcW, srcH := canvas.Size()
	width, height := ScaledDimensions(srcW, srcH, opts.MaxDimension)
	if width != srcW || height != srcH {
		if err := canvas.Resize(width, height); err != nil {
			return NormalizedImage{}, &EncodeError{Err: err}
		}
	}

	attempts := 0
	for quality := InitialQuality; ; quality -= QualityStep {
		if err := ctx.Err(); err != nil {
			return NormalizedImage{}, err
		}

		data, err := canvas.EncodeJPEG(quality)
		if err != nil {
			return NormalizedImage{}, &EncodeError{Quality: quality, Err: err}
		}
		attempts++

		fits := int64(len(data)) <= opts.MaxSizeBytes
		if fits || quality <= MinQuality {
			return NormalizedImage{
				Name:        src.Name,
				MediaType:   OutputMediaType,
				Data:        data,
				Width:       width,
				Height:      height,
				Quality:     quality,
				Attempts:    attempts,
				WithinLimit: fits,
			}, nil
		}
	}
}
