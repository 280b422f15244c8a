package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"stitch-media/config"
	"stitch-media/constant"
	"stitch-media/dto"
	"stitch-media/entities"
	"stitch-media/pkg/collage"
	"stitch-media/pkg/ffmpeg"
	"stitch-media/pkg/storage"
	"stitch-media/pkg/task"
	"stitch-media/pkg/videocache"
	"stitch-media/repository"
)

// MediaCache is the part of the video cache the job services read through.
type MediaCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Put(ctx context.Context, key string) (*task.Task[string], videocache.PutResult)
}

type ArtifactStore interface {
	Upload(ctx context.Context, prefix string, artifact *entities.ExportArtifact) (*storage.UploadedArtifact, error)
	Download(ctx context.Context, key, dst string) error
}

type EventPublisher interface {
	PublishArtifactReady(ctx context.Context, message dto.ArtifactReadyMessage) error
}

type Dependencies struct {
	Repo       repository.JobRepository
	Cache      MediaCache
	Store      ArtifactStore
	Events     EventPublisher
	FFmpeg     ffmpeg.Runner
	Planner    ExportPlanner
	Compressor BackgroundCompressor
	Composer   MediaComposer
	Collage    CollageComposer
}

type PostService interface {
	Process(ctx context.Context, message dto.ExportJobMessage) error
}

type postService struct {
	deps Dependencies
	cfg  *config.Config
}

func NewPostService(deps Dependencies, cfg *config.Config) PostService {
	return &postService{deps: deps, cfg: cfg}
}

func (s *postService) Process(ctx context.Context, message dto.ExportJobMessage) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", message.JobId.String()).Str("edit_state_id", message.EditStateId.String()).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Str("tier", string(message.Tier)).Msg("processing export job")

	done, err := beginJob(ctx, s.deps.Repo, message.JobId)
	if err != nil || done == nil {
		return err
	}
	defer func() { err = done(err) }()

	state, err := s.deps.Repo.FindEditState(ctx, message.EditStateId)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load edit state")
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, entities.ErrInvalidEditState) {
			return errors.Join(ErrNonRetryable, err)
		}
		return err
	}

	tempDir := filepath.Join(s.cfg.Export.WorkDir, message.JobId.String())
	defer os.RemoveAll(tempDir)
	if err = os.MkdirAll(tempDir, os.ModePerm); err != nil {
		logger.Error().Err(err).Msg("failed to create work directory")
		return errors.Join(ErrNonRetryable, err)
	}

	source, err := fetchSource(ctx, s.deps.Cache, s.deps.Store, state.SourcePath, tempDir)
	if err != nil {
		logger.Error().Err(err).Str("source", state.SourcePath).Msg("failed to fetch source video")
		return err
	}

	// Outputs recorded on the device are meaningless here.
	local := *state
	local.SourcePath = source
	local.Invalidate()

	session := NewEditSession(local, s.deps.Compressor, s.deps.Planner, logger)
	defer session.Discard()

	if message.Compress {
		session.StartCompression(ctx)
		if err = session.WaitCompression(ctx); err != nil {
			return err
		}
	}

	artifact, err := session.Export(ctx, message.Tier, func(p float64) {
		logger.Debug().Float64("progress", p).Msg("export progress")
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to export video")
		return classify(ctx, err)
	}
	defer removeFiles(artifact.VideoPath, artifact.ThumbnailPath)

	uploaded, err := s.deps.Store.Upload(ctx, message.Destination, artifact)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upload artifact")
		return err
	}

	if err = s.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusCompleted, message.JobId); err != nil {
		logger.Error().Err(err).Msg("failed to update job status")
		return err
	}

	publish(ctx, s.deps.Events, dto.ArtifactReadyMessage{
		JobId:        message.JobId,
		JobType:      constant.JobTypeExport,
		VideoKey:     uploaded.VideoKey,
		ThumbnailKey: uploaded.ThumbnailKey,
		Duration:     artifact.Duration,
		SizeBytes:    artifact.SizeBytes,
	})

	logger.Info().Str("video_key", uploaded.VideoKey).Msg("export job completed")
	return nil
}

type CollageService interface {
	Process(ctx context.Context, message dto.CollageJobMessage) error
	Plan(strategy constant.CollageStrategy, params collage.Params, mainDuration float64, responseDurations []float64) ([]entities.CollageClip, collage.Summary, error)
}

type collageService struct {
	deps Dependencies
	cfg  *config.Config
}

func NewCollageService(deps Dependencies, cfg *config.Config) CollageService {
	return &collageService{deps: deps, cfg: cfg}
}

// CollageParams converts the configured collage timing into allocator input.
func CollageParams(cfg config.Collage) collage.Params {
	return collage.Params{
		TotalDuration:      cfg.TotalDuration,
		WatermarkDuration:  cfg.WatermarkDuration,
		TransitionDuration: cfg.TransitionDuration,
		MinClip:            cfg.MinClip,
		MaxMainClip:        cfg.MaxMainClip,
	}
}

// Plan allocates time for clips that are only known by their durations.
func (s *collageService) Plan(strategy constant.CollageStrategy, params collage.Params, mainDuration float64, responseDurations []float64) ([]entities.CollageClip, collage.Summary, error) {
	clips := make([]entities.CollageClip, 0, 1+len(responseDurations))
	clips = append(clips, entities.CollageClip{SourceID: "main", OriginalDuration: mainDuration, IsMain: true})
	for i, d := range responseDurations {
		clips = append(clips, entities.CollageClip{SourceID: fmt.Sprintf("response-%d", i+1), OriginalDuration: d})
	}
	return collage.Plan(params, strategy, clips)
}

func (s *collageService) Process(ctx context.Context, message dto.CollageJobMessage) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", message.JobId.String()).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Str("main", message.MainKey).Int("responses", len(message.ResponseKeys)).Msg("processing collage job")

	done, err := beginJob(ctx, s.deps.Repo, message.JobId)
	if err != nil || done == nil {
		return err
	}
	defer func() { err = done(err) }()

	strategy := constant.StrategyMainWeighted
	if message.Strategy != "" {
		if strategy, err = collage.ParseStrategy(message.Strategy); err != nil {
			return errors.Join(ErrNonRetryable, err)
		}
	}

	tempDir := filepath.Join(s.cfg.Collage.WorkDir, message.JobId.String())
	defer os.RemoveAll(tempDir)
	if err = os.MkdirAll(tempDir, os.ModePerm); err != nil {
		logger.Error().Err(err).Msg("failed to create work directory")
		return errors.Join(ErrNonRetryable, err)
	}

	keys := append([]string{message.MainKey}, message.ResponseKeys...)
	clips := make([]entities.CollageClip, 0, len(keys))
	for i, key := range keys {
		path, err := fetchSource(ctx, s.deps.Cache, s.deps.Store, key, tempDir)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("failed to fetch clip")
			return err
		}
		info, err := s.deps.FFmpeg.Probe(ctx, path)
		if err != nil || !info.HasVideo {
			logger.Error().Err(err).Str("key", key).Msg("clip has no usable video")
			return errors.Join(ErrNonRetryable, ErrComposition, fmt.Errorf("clip %s is not a video: %v", key, err))
		}
		clips = append(clips, entities.CollageClip{
			SourceID: key,
			Media: &entities.MediaHandle{
				Path:     path,
				Duration: info.Duration,
				Width:    info.Width,
				Height:   info.Height,
				Rotation: info.Rotation,
				HasAudio: info.HasAudio,
			},
			OriginalDuration: info.Duration,
			IsMain:           i == 0,
		})
	}

	planned, summary, err := collage.Plan(CollageParams(s.cfg.Collage), strategy, clips)
	if err != nil {
		logger.Error().Err(err).Msg("failed to plan collage")
		return errors.Join(ErrNonRetryable, err)
	}
	logger.Info().
		Str("strategy", string(strategy)).
		Float64("available", summary.Budget.Available).
		Float64("played", summary.Played).
		Float64("drift", summary.Drift).
		Msg("collage planned")

	output := filepath.Join(tempDir, "collage.mp4")
	render, err := s.deps.Collage.Render(ctx, planned, output)
	if err != nil {
		return classify(ctx, err)
	}

	thumbnail := filepath.Join(tempDir, "collage.jpg")
	if err = writeThumbnail(ctx, s.deps.FFmpeg, s.cfg.Export, render.Path, thumbnail, render.Duration); err != nil {
		logger.Error().Err(err).Msg("failed to generate collage thumbnail")
		return classify(ctx, fmt.Errorf("%w: thumbnail: %w", ErrExport, err))
	}

	stat, err := os.Stat(render.Path)
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	artifact, err := entities.NewExportArtifact(render.Path, thumbnail, render.Duration, stat.Size())
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}

	uploaded, err := s.deps.Store.Upload(ctx, message.Destination, artifact)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upload collage")
		return err
	}

	if err = s.deps.Repo.UpdateStatusJob(ctx, constant.JobStatusCompleted, message.JobId); err != nil {
		logger.Error().Err(err).Msg("failed to update job status")
		return err
	}

	publish(ctx, s.deps.Events, dto.ArtifactReadyMessage{
		JobId:        message.JobId,
		JobType:      constant.JobTypeCollage,
		VideoKey:     uploaded.VideoKey,
		ThumbnailKey: uploaded.ThumbnailKey,
		Duration:     artifact.Duration,
		SizeBytes:    artifact.SizeBytes,
	})

	logger.Info().Str("video_key", uploaded.VideoKey).Msg("collage job completed")
	return nil
}

// beginJob moves a pending job to processing. It returns a nil finish func
// when the job is not pending and must be skipped. The finish func records
// the outcome: non-retryable errors fail the job and are swallowed, others
// put it back to pending for redelivery.
func beginJob(ctx context.Context, repo repository.JobRepository, id uuid.UUID) (func(error) error, error) {
	logger := zerolog.Ctx(ctx)
	job, err := repo.FindJobById(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to find job by id")
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if job.Status != constant.JobStatusPending {
		logger.Info().Str("status", string(job.Status)).Msg("job is not pending")
		return nil, nil
	}

	if err := repo.UpdateStatusJob(ctx, constant.JobStatusProcessing, id); err != nil {
		logger.Error().Err(err).Msg("failed to update job status")
		return nil, err
	}

	return func(err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNonRetryable) {
			if updateErr := repo.FailJob(ctx, id, err.Error()); updateErr != nil {
				logger.Error().Err(updateErr).Msg("failed to update job status")
			}
			return nil
		}
		if updateErr := repo.UpdateStatusJob(context.WithoutCancel(ctx), constant.JobStatusPending, id); updateErr != nil {
			logger.Error().Err(updateErr).Msg("failed to update job status")
		}
		return err
	}, nil
}

// classify marks media failures as non-retryable. Cancellation stays
// retryable so a job interrupted by shutdown is redelivered.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || isCancelled(err) {
		return err
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrComposition) || errors.Is(err, ErrExport) {
		return errors.Join(ErrNonRetryable, err)
	}
	return err
}

// fetchSource returns a local copy of key. The cache is tried first; when it
// cannot take the download the object is fetched straight into dir.
func fetchSource(ctx context.Context, cache MediaCache, store ArtifactStore, key, dir string) (string, error) {
	if cache != nil {
		if path, ok := cache.Get(ctx, key); ok {
			return path, nil
		}
		if t, _ := cache.Put(ctx, key); t != nil {
			path, err := t.Wait(ctx)
			if err == nil {
				return path, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache download failed, fetching directly")
		}
	}

	dst := filepath.Join(dir, uuid.NewString()+filepath.Ext(key))
	if err := store.Download(ctx, key, dst); err != nil {
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	return dst, nil
}

func publish(ctx context.Context, events EventPublisher, message dto.ArtifactReadyMessage) {
	if events == nil {
		return
	}
	if err := events.PublishArtifactReady(ctx, message); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to publish artifact ready event")
	}
}
