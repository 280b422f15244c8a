package server

import (
	"context"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"net/http"
	"stitch-media/config"
	"stitch-media/constant"
	"stitch-media/dto"
	"stitch-media/entities"
	"stitch-media/pkg/collage"
	"stitch-media/pkg/videocache"
	"stitch-media/service"
)

// CacheAdmin is what the cache endpoints operate on.
type CacheAdmin interface {
	Stats() videocache.Stats
	Entries() []entities.CacheEntry
	SweepExpired(ctx context.Context) int
	RetainMostRecent(ctx context.Context, n int) int
	Clear(ctx context.Context) int64
	Resolve(ctx context.Context, key string) (string, bool)
}

type api struct {
	cache    CacheAdmin
	collage  service.CollageService
	params   collage.Params
	keep     int
	validate *validator.Validate
}

func newRouter(ctx context.Context, a *api) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(ctx))

	addHealth(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/collage/plan", a.planCollage)

	if a.cache != nil {
		c := r.Group("/cache")
		c.GET("/stats", a.cacheStats)
		c.GET("/resolve", a.cacheResolve)
		c.POST("/sweep", a.cacheSweep)
		c.POST("/emergency", a.cacheEmergency)
		c.DELETE("", a.cacheClear)
	}
	return r
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
}

// requestLogger attaches the process logger to every request context.
func requestLogger(ctx context.Context) gin.HandlerFunc {
	logger := zerolog.Ctx(ctx)
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

func (a *api) planCollage(c *gin.Context) {
	var req dto.CollagePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if err := a.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	strategy := constant.StrategyMainWeighted
	if req.Strategy != "" {
		s, err := collage.ParseStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		strategy = s
	}

	params := a.params
	if req.TotalDuration != nil {
		params.TotalDuration = *req.TotalDuration
	}
	if req.WatermarkDuration != nil {
		params.WatermarkDuration = *req.WatermarkDuration
	}
	if req.TransitionDuration != nil {
		params.TransitionDuration = *req.TransitionDuration
	}

	clips, summary, err := a.collage.Plan(strategy, params, req.MainDuration, req.ResponseDurations)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PlanResponse(strategy, clips, summary))
}

func PlanResponse(strategy constant.CollageStrategy, clips []entities.CollageClip, summary collage.Summary) dto.CollagePlanResponse {
	out := dto.CollagePlanResponse{
		Strategy:  strategy,
		Clips:     make([]dto.CollageClipPlan, 0, len(clips)),
		Available: summary.Budget.Available,
		Overhead:  summary.Budget.Overhead,
		Played:    summary.Played,
		Drift:     summary.Drift,
	}
	for _, clip := range clips {
		out.Clips = append(out.Clips, dto.CollageClipPlan{
			SourceId:          clip.SourceID,
			IsMain:            clip.IsMain,
			OriginalDuration:  clip.OriginalDuration,
			AllocatedDuration: clip.AllocatedDuration,
			TrimStart:         clip.TrimStart,
			TrimEnd:           clip.TrimEnd(),
		})
	}
	return out
}

func (a *api) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":   a.cache.Stats(),
		"entries": a.cache.Entries(),
	})
}

func (a *api) cacheResolve(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "key is required"})
		return
	}
	path, ok := a.cache.Resolve(c.Request.Context(), key)
	c.JSON(http.StatusOK, gin.H{"key": key, "cached": ok, "path": path})
}

func (a *api) cacheSweep(c *gin.Context) {
	n := a.cache.SweepExpired(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"evicted": n})
}

func (a *api) cacheEmergency(c *gin.Context) {
	n := a.cache.RetainMostRecent(c.Request.Context(), a.keep)
	c.JSON(http.StatusOK, gin.H{"evicted": n, "kept": a.keep})
}

func (a *api) cacheClear(c *gin.Context) {
	freed := a.cache.Clear(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"freed_bytes": freed})
}

func newAPI(cfg *config.Config, cache CacheAdmin, collageService service.CollageService) *api {
	return &api{
		cache:    cache,
		collage:  collageService,
		params:   service.CollageParams(cfg.Collage),
		keep:     cfg.Cache.EmergencyKeep,
		validate: validator.New(),
	}
}
