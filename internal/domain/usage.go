package domain

import "time"

// UsageLog records the cost of one normalization.
type UsageLog struct {
	UserID          string
	JobID           string
	SourceBytes     int64
	OutputBytes     int64
	BytesSaved      int64
	PixelsProcessed int64
	Quality         int
	Attempts        int
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
