package entities

import (
	"github.com/google/uuid"
	"time"
)

// RecordingSegment is one continuously captured clip. The recorder owns it
// until the segments are merged or the segment is deleted.
type RecordingSegment struct {
	ID         uuid.UUID `json:"id"`
	Path       string    `json:"path"`
	Duration   float64   `json:"duration"`
	CapturedAt time.Time `json:"captured_at"`
}

// TotalDuration sums the measured durations of segments.
func TotalDuration(segments []RecordingSegment) float64 {
	total := 0.0
	for _, s := range segments {
		total += s.Duration
	}
	return total
}
