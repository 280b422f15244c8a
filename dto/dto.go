package dto

import (
	"encoding/json"
	"github.com/google/uuid"
	"stitch-media/constant"
)

// ExportJobMessage asks the worker to render a stored edit state and upload
// the resulting video and thumbnail.
type ExportJobMessage struct {
	JobId       uuid.UUID     `json:"jobId" validate:"required"`
	EditStateId uuid.UUID     `json:"editStateId" validate:"required"`
	Tier        constant.Tier `json:"tier"`
	// Destination is the object prefix the artifact pair is uploaded under.
	Destination string `json:"destination" validate:"required"`
	// Compress runs the background compressor before the export so the
	// upload uses the smaller file when it completes.
	Compress bool `json:"compress"`
}

type CollageJobMessage struct {
	JobId        uuid.UUID `json:"jobId" validate:"required"`
	Strategy     string    `json:"strategy" validate:"omitempty,oneof=equal main_weighted mainWeighted proportional"`
	MainKey      string    `json:"mainKey" validate:"required"`
	ResponseKeys []string  `json:"responseKeys" validate:"dive,required"`
	Destination  string    `json:"destination" validate:"required"`
}

// MergeJobMessage asks the worker to join the segments a device uploaded
// into one recording.
type MergeJobMessage struct {
	JobId       uuid.UUID     `json:"jobId" validate:"required"`
	SegmentKeys []string      `json:"segmentKeys" validate:"required,min=1,dive,required"`
	Tier        constant.Tier `json:"tier"`
	// Context is the recording context document, a standalone post when
	// empty.
	Context     json.RawMessage `json:"context,omitempty"`
	Destination string          `json:"destination" validate:"required"`
	Compress    bool            `json:"compress"`
}

// ArtifactReadyMessage is published once an artifact pair is uploaded.
type ArtifactReadyMessage struct {
	JobId        uuid.UUID        `json:"jobId"`
	JobType      constant.JobType `json:"jobType"`
	VideoKey     string           `json:"videoKey"`
	ThumbnailKey string           `json:"thumbnailKey"`
	Duration     float64          `json:"duration"`
	SizeBytes    int64            `json:"sizeBytes"`
	// Context is set for merged recordings.
	Context json.RawMessage `json:"context,omitempty"`
}

type CollagePlanRequest struct {
	Strategy          string    `json:"strategy" validate:"omitempty,oneof=equal main_weighted mainWeighted proportional"`
	MainDuration      float64   `json:"mainDuration" validate:"gt=0"`
	ResponseDurations []float64 `json:"responseDurations" validate:"dive,gt=0"`
	// Optional overrides of the configured collage parameters.
	TotalDuration      *float64 `json:"totalDuration,omitempty" validate:"omitempty,gt=0"`
	WatermarkDuration  *float64 `json:"watermarkDuration,omitempty" validate:"omitempty,gte=0"`
	TransitionDuration *float64 `json:"transitionDuration,omitempty" validate:"omitempty,gte=0"`
}

type CollageClipPlan struct {
	SourceId          string  `json:"sourceId"`
	IsMain            bool    `json:"isMain"`
	OriginalDuration  float64 `json:"originalDuration"`
	AllocatedDuration float64 `json:"allocatedDuration"`
	TrimStart         float64 `json:"trimStart"`
	TrimEnd           float64 `json:"trimEnd"`
}

type CollagePlanResponse struct {
	Strategy  constant.CollageStrategy `json:"strategy"`
	Clips     []CollageClipPlan        `json:"clips"`
	Available float64                  `json:"available"`
	Overhead  float64                  `json:"overhead"`
	Played    float64                  `json:"played"`
	Drift     float64                  `json:"drift"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
