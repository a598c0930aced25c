package normalize

import "math"

// ScaledDimensions bounds the longer side of width x height to maxDimension,
// keeping the aspect ratio. Dimensions already within the bound are returned
// unchanged.
func ScaledDimensions(width, height, maxDimension int) (int, int) {
	if maxDimension <= 0 || (width <= maxDimension && height <= maxDimension) {
		return width, height
	}

	if width > height {
		h := int(math.Round(float64(height) / float64(width) * float64(maxDimension)))
		return maxDimension, max(1, h)
	}
	w := int(math.Round(float64(width) / float64(height) * float64(maxDimension)))
	return max(1, w), maxDimension
}
