package entities

import "errors"

var ErrIncompleteArtifact = errors.New("export artifact requires both video and thumbnail")

// ExportArtifact is a finished video and its thumbnail. Both are present or
// the artifact does not exist.
type ExportArtifact struct {
	VideoPath     string  `json:"video_path"`
	ThumbnailPath string  `json:"thumbnail_path"`
	Duration      float64 `json:"duration"`
	SizeBytes     int64   `json:"size_bytes"`
}

func NewExportArtifact(videoPath, thumbnailPath string, duration float64, size int64) (*ExportArtifact, error) {
	if videoPath == "" || thumbnailPath == "" {
		return nil, ErrIncompleteArtifact
	}
	return &ExportArtifact{
		VideoPath:     videoPath,
		ThumbnailPath: thumbnailPath,
		Duration:      duration,
		SizeBytes:     size,
	}, nil
}
