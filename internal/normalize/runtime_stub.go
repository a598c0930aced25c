//go:build !govips || !cgo

package normalize

import "errors"

func Startup() error {
	return nil
}

func Shutdown() {}

func defaultBackend(resampler string, maxPixels int64) (Backend, error) {
	return newImagingBackend(resampler, maxPixels)
}

func newGovipsBackend(int64) (Backend, error) {
	return nil, errors.New("govips backend requires the govips build tag")
}
