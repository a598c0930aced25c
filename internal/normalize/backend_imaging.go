package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

const DefaultResampler = "linear"

// Resampler scales a raster to exact target dimensions.
type Resampler interface {
	Resample(src image.Image, width, height int) image.Image
}

type imagingResampler struct {
	filter imaging.ResampleFilter
}

func (r imagingResampler) Resample(src image.Image, width, height int) image.Image {
	return imaging.Resize(src, width, height, r.filter)
}

type nfntResampler struct {
	interp resize.InterpolationFunction
}

func (r nfntResampler) Resample(src image.Image, width, height int) image.Image {
	return resize.Resize(uint(width), uint(height), src, r.interp)
}

// ResamplerByName maps a config value to a Resampler. An empty name selects
// bilinear.
func ResamplerByName(name string) (Resampler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear", "bilinear":
		return imagingResampler{filter: imaging.Linear}, nil
	case "lanczos":
		return imagingResampler{filter: imaging.Lanczos}, nil
	case "catmullrom":
		return imagingResampler{filter: imaging.CatmullRom}, nil
	case "box":
		return imagingResampler{filter: imaging.Box}, nil
	case "nearest":
		return imagingResampler{filter: imaging.NearestNeighbor}, nil
	case "nfnt-bilinear":
		return nfntResampler{interp: resize.Bilinear}, nil
	case "nfnt-lanczos3":
		return nfntResampler{interp: resize.Lanczos3}, nil
	default:
		return nil, fmt.Errorf("unsupported resampler: %s", name)
	}
}

type imagingBackend struct {
	resampler Resampler
	maxPixels int64
}

func newImagingBackend(resampler string, maxPixels int64) (Backend, error) {
	r, err := ResamplerByName(resampler)
	if err != nil {
		return nil, err
	}
	return imagingBackend{resampler: r, maxPixels: maxPixels}, nil
}

func (b imagingBackend) Load(ctx context.Context, data []byte) (Canvas, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty input")}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := checkPixelBudget(cfg.Width, cfg.Height, b.maxPixels); err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &imagingCanvas{img: img, resampler: b.resampler}, nil
}

type imagingCanvas struct {
	img       image.Image
	resampler Resampler
	buf       bytes.Buffer
}

func (c *imagingCanvas) Size() (int, int) {
	bounds := c.img.Bounds()
	return bounds.Dx(), bounds.Dy()
}

func (c *imagingCanvas) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid target dimensions %dx%d", width, height)
	}
	w, h := c.Size()
	if w == width && h == height {
		return nil
	}
	c.img = c.resampler.Resample(c.img, width, height)
	return nil
}

func (c *imagingCanvas) EncodeJPEG(quality int) ([]byte, error) {
	c.buf.Reset()
	if err := imaging.Encode(&c.buf, c.img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

func (c *imagingCanvas) Close() {
	c.img = nil
}
