package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"os"
	"path/filepath"
	"stitch-media/config"
	"stitch-media/constant"
	"stitch-media/dto"
	"stitch-media/entities"
)

// MergeService joins the segments a device uploaded into one recording and
// uploads it with a thumbnail.
type MergeService interface {
	Process(ctx context.Context, message dto.MergeJobMessage) error
}

type mergeService struct {
	deps Dependencies
	cfg  *config.Config
}

func NewMergeService(deps Dependencies, cfg *config.Config) MergeService {
	return &mergeService{deps: deps, cfg: cfg}
}

func (s *mergeService) Process(ctx context.Context, message dto.MergeJobMessage) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", message.JobId.String()).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Str("tier", string(message.Tier)).Int("segments", len(message.SegmentKeys)).Msg("processing merge job")

	done, err := beginJob(ctx, s.deps.Repo, message.JobId)
	if err != nil || done == nil {
		return err
	}
	defer func() { err = done(err) }()

	recordingContext, err := entities.UnmarshalRecordingContext(message.Context)
	if err != nil {
		logger.Error().Err(err).Msg("invalid recording context")
		return errors.Join(ErrNonRetryable, err)
	}

	tempDir := filepath.Join(s.cfg.Export.WorkDir, message.JobId.String())
	defer os.RemoveAll(tempDir)
	if err = os.MkdirAll(tempDir, os.ModePerm); err != nil {
		logger.Error().Err(err).Msg("failed to create work directory")
		return errors.Join(ErrNonRetryable, err)
	}

	segments := make([]entities.RecordingSegment, 0, len(message.SegmentKeys))
	for _, key := range message.SegmentKeys {
		path, err := fetchSource(ctx, s.deps.Cache, s.deps.Store, key, tempDir)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("failed to fetch segment")
			return err
		}
		info, err := s.deps.FFmpeg.Probe(ctx, path)
		if err != nil || !info.HasVideo || info.Duration <= 0 {
			logger.Error().Err(err).Str("key", key).Msg("segment has no usable video")
			return errors.Join(ErrNonRetryable, ErrComposition, fmt.Errorf("segment %s is not a video: %v", key, err))
		}
		segments = append(segments, entities.RecordingSegment{ID: uuid.New(), Path: path, Duration: info.Duration})
	}

	opts := RecorderOptions{
		Dir:      tempDir,
		Tier:     message.Tier,
		Context:  recordingContext,
		Composer: s.deps.Composer,
		Logger:   &logger,
	}
	if message.Compress {
		opts.Compressor = s.deps.Compressor
	}
	recorder := NewSegmentRecorder(opts)
	if err = recorder.AddSegments(segments...); err != nil {
		logger.Error().Err(err).Msg("segments rejected")
		return classify(ctx, err)
	}

	result, err := recorder.Finish(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to merge segments")
		return classify(ctx, err)
	}

	video := result.Path
	if result.Compression != nil {
		defer result.Compression.Discard()
		compressed, err := result.Compression.Wait(ctx)
		switch {
		case err == nil && !compressed.Skipped:
			video = compressed.Path
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			logger.Warn().Err(err).Msg("compression failed, uploading the merged file")
		}
	}

	thumbnail := filepath.Join(tempDir, "merged.jpg")
	if err = writeThumbnail(ctx, s.deps.FFmpeg, s.cfg.Export, video, thumbnail, result.Duration); err != nil {
		logger.Error().Err(err).Msg("failed to generate thumbnail")
		return classify(ctx, fmt.Errorf("%w: thumbnail: %w", ErrExport, err))
	}

	stat, err := os.Stat(video)
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	artifact, err := entities.NewExportArtifact(video, thumbnail, result.Duration, stat.Size())
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}

	uploaded, err := s.deps.Store.Upload(ctx, message.Destination, artifact)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upload recording")
		return err
	}

	if err = s.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusCompleted, message.JobId); err != nil {
		logger.Error().Err(err).Msg("failed to update job status")
		return err
	}

	contextDoc, err := entities.MarshalRecordingContext(result.Context)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to encode recording context")
	}
	publish(ctx, s.deps.Events, dto.ArtifactReadyMessage{
		JobId:        message.JobId,
		JobType:      constant.JobTypeMerge,
		VideoKey:     uploaded.VideoKey,
		ThumbnailKey: uploaded.ThumbnailKey,
		Duration:     artifact.Duration,
		SizeBytes:    artifact.SizeBytes,
		Context:      contextDoc,
	})

	logger.Info().Str("video_key", uploaded.VideoKey).Str("context", result.Context.Kind()).Msg("merge job completed")
	return nil
}
