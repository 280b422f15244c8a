package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"net/http"
	"os"
	"os/signal"
	"stitch-media/config"
	"stitch-media/constant"
	jobHandler "stitch-media/handler"
	"stitch-media/pkg/ffmpeg"
	"stitch-media/pkg/pressure"
	"stitch-media/pkg/rabbitmq"
	"stitch-media/pkg/storage"
	"stitch-media/pkg/videocache"
	"stitch-media/repository"
	"stitch-media/service"
	"syscall"
	"time"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	fetcher := storage.NewFetcher(ctx, cfg.Storage, cfg.MinIOBucket, storage.DefaultBreakerConfig("minio-fetch"))
	uploader := storage.NewUploader(cfg.Storage, cfg.MinIOBucket)

	cache, err := videocache.New(ctx, videocache.Config{
		Dir:                    cfg.Cache.Dir,
		MaxBytes:               cfg.Cache.MaxBytes(),
		MaxAge:                 cfg.Cache.MaxAge,
		MaxConcurrentDownloads: cfg.Cache.MaxConcurrentDownloads,
	}, fetcher)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("failed to open video cache")
	}
	go cache.Run(ctx, cfg.Cache.SweepInterval)

	monitor := pressure.New(pressure.Config{
		LimitBytes:        cfg.Memory.LimitMB * 1024 * 1024,
		CriticalWatermark: cfg.Memory.CriticalWatermark,
		CheckInterval:     cfg.Memory.CheckInterval,
	}, func(ctx context.Context) {
		cache.RetainMostRecent(ctx, cfg.Cache.EmergencyKeep)
	})
	go monitor.Run(ctx)

	runner := ffmpeg.New()
	deps := service.Dependencies{
		Repo:       repository.NewRepo(cfg.DB),
		Cache:      cache,
		Store:      uploader,
		FFmpeg:     runner,
		Planner:    service.NewExportPlanner(runner, cfg.Export),
		Compressor: service.NewBackgroundCompressor(runner, cfg.Compression),
		Composer:   service.NewMediaComposer(runner),
		Collage:    service.NewCollageComposer(runner, cfg.Collage),
	}

	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("NewRabbitMQConn")
	}

	if conn != nil {
		publisher, err := rabbitmq.NewPublisher(conn, cfg.Queue.EventExchange, cfg.Queue.Kind)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to open event publisher")
		} else {
			deps.Events = publisher
		}
	}

	postService := service.NewPostService(deps, cfg)
	collageService := service.NewCollageService(deps, cfg)
	mergeService := service.NewMergeService(deps, cfg)

	if conn != nil {
		serviceDeps := jobHandler.ServiceDependencies{
			PostService:    postService,
			CollageService: collageService,
			MergeService:   mergeService,
		}

		exportConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, rabbitmq.ExportBinding, cfg.Server.Workers, jobHandler.ExportHandler)
		go func() {
			if err := exportConsumer.Consume(ctx, serviceDeps); err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("export consumer error")
			}
		}()

		collageConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, rabbitmq.CollageBinding, cfg.Server.Workers, jobHandler.CollageHandler)
		go func() {
			if err := collageConsumer.Consume(ctx, serviceDeps); err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("collage consumer error")
			}
		}()

		mergeConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, rabbitmq.MergeBinding, cfg.Server.Workers, jobHandler.MergeHandler)
		go func() {
			if err := mergeConsumer.Consume(ctx, serviceDeps); err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("merge consumer error")
			}
		}()
	}

	r := newRouter(ctx, newAPI(cfg, cache, collageService))

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Str("port", cfg.Server.HttpPort).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	cache.Wait()
	if err := cache.Save(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to save cache index")
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

// setupLogger returns a context carrying the process logger.
func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
