// Package storage moves video bytes between local disk and the object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"path"
	"path/filepath"
	"stitch-media/entities"
	"strings"
	"time"
)

// ObjectStore is the subset of *minio.Client used here.
type ObjectStore interface {
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("object store unavailable")

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

func newBreaker(ctx context.Context, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			zerolog.Ctx(ctx).Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the store's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Fetcher downloads cache misses from a bucket. Keys are object names.
type Fetcher struct {
	store   ObjectStore
	bucket  string
	breaker *gobreaker.CircuitBreaker
}

func NewFetcher(ctx context.Context, store ObjectStore, bucket string, cfg BreakerConfig) *Fetcher {
	return &Fetcher{store: store, bucket: bucket, breaker: newBreaker(ctx, cfg)}
}

func (f *Fetcher) Fetch(ctx context.Context, key, dst string) error {
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.store.FGetObject(ctx, f.bucket, key, dst, minio.GetObjectOptions{})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// Uploader hands finished artifacts to the object store.
type Uploader struct {
	store  ObjectStore
	bucket string
}

func NewUploader(store ObjectStore, bucket string) *Uploader {
	return &Uploader{store: store, bucket: bucket}
}

// UploadedArtifact names where the pair landed.
type UploadedArtifact struct {
	VideoKey     string `json:"videoKey"`
	ThumbnailKey string `json:"thumbnailKey"`
}

// Upload stores video and thumbnail under prefix. The thumbnail goes last so
// a present thumbnail implies a present video.
func (u *Uploader) Upload(ctx context.Context, prefix string, artifact *entities.ExportArtifact) (*UploadedArtifact, error) {
	if artifact == nil || artifact.VideoPath == "" || artifact.ThumbnailPath == "" {
		return nil, entities.ErrIncompleteArtifact
	}

	out := &UploadedArtifact{
		VideoKey:     objectKey(prefix, "video"+filepath.Ext(artifact.VideoPath)),
		ThumbnailKey: objectKey(prefix, "thumbnail"+filepath.Ext(artifact.ThumbnailPath)),
	}

	zerolog.Ctx(ctx).Info().Str("video_key", out.VideoKey).Int64("size", artifact.SizeBytes).Msg("uploading video")
	if _, err := u.store.FPutObject(ctx, u.bucket, out.VideoKey, artifact.VideoPath, minio.PutObjectOptions{
		ContentType: "video/mp4",
	}); err != nil {
		return nil, fmt.Errorf("upload video: %w", err)
	}

	if _, err := u.store.FPutObject(ctx, u.bucket, out.ThumbnailKey, artifact.ThumbnailPath, minio.PutObjectOptions{
		ContentType: "image/jpeg",
	}); err != nil {
		return nil, fmt.Errorf("upload thumbnail: %w", err)
	}

	return out, nil
}

// Download copies one object to a local file, used for job inputs.
func (u *Uploader) Download(ctx context.Context, key, dst string) error {
	return u.store.FGetObject(ctx, u.bucket, key, dst, minio.GetObjectOptions{})
}

func objectKey(prefix, name string) string {
	return strings.ReplaceAll(path.Join(strings.TrimSuffix(prefix, "/"), name), "\\", "/")
}
