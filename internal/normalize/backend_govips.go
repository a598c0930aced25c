//go:build govips && cgo

package normalize

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsBackend struct {
	maxPixels int64
}

func (b govipsBackend) Load(ctx context.Context, data []byte) (Canvas, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !running() {
		return nil, &ContextUnavailableError{Reason: "govips runtime is not started"}
	}
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty input")}
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := checkPixelBudget(img.Width(), img.Height(), b.maxPixels); err != nil {
		img.Close()
		return nil, err
	}
	if err := img.AutoRotate(); err != nil {
		img.Close()
		return nil, &DecodeError{Err: fmt.Errorf("apply orientation: %w", err)}
	}
	return &govipsCanvas{img: img}, nil
}

type govipsCanvas struct {
	img *vips.ImageRef
}

func (c *govipsCanvas) Size() (int, int) {
	return c.img.Width(), c.img.Height()
}

func (c *govipsCanvas) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid target dimensions %dx%d", width, height)
	}
	if c.img.Width() == width && c.img.Height() == height {
		return nil
	}

	hscale := float64(width) / float64(c.img.Width())
	vscale := float64(height) / float64(c.img.Height())
	return c.img.ResizeWithVScale(hscale, vscale, vips.KernelLinear)
}

func (c *govipsCanvas) EncodeJPEG(quality int) ([]byte, error) {
	params := vips.NewJpegExportParams()
	params.Quality = quality
	data, _, err := c.img.ExportJpeg(params)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *govipsCanvas) Close() {
	c.img.Close()
}
