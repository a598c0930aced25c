package normalize

import "fmt"

// DecodeError reports input bytes that could not be read as a raster image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode source image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a resample or encode failure. Quality is zero when the
// failure happened while resampling.
type EncodeError struct {
	Quality int
	Err     error
}

func (e *EncodeError) Error() string {
	if e.Quality == 0 {
		return fmt.Sprintf("resample image: %v", e.Err)
	}
	return fmt.Sprintf("encode jpeg quality=%d: %v", e.Quality, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// ContextUnavailableError reports that the backend could not provide a raster
// to work on, either because the runtime is not started or because the source
// exceeds the pixel budget.
type ContextUnavailableError struct {
	Reason string
}

func (e *ContextUnavailableError) Error() string {
	return "image context unavailable: " + e.Reason
}
