package service

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"math"
	"os"
	"path/filepath"
	"stitch-media/config"
	"stitch-media/pkg/ffmpeg"
	"stitch-media/pkg/metrics"
	"stitch-media/pkg/task"
	"strconv"
	"strings"
)

type CompressionResult struct {
	Path           string `json:"path"`
	OriginalSize   int64  `json:"originalSize"`
	CompressedSize int64  `json:"compressedSize"`
	// Skipped is set when the source was already within the target and
	// Path is the source itself.
	Skipped bool `json:"skipped"`
}

// CompressionJob is a running or finished compression of one source.
type CompressionJob struct {
	*task.Task[*CompressionResult]
	Source string
}

// Discard cancels the job and removes its output once it has stopped.
func (j *CompressionJob) Discard() {
	j.Cancel()
	go func() {
		res, err := j.Wait(context.Background())
		if err == nil && res != nil && !res.Skipped {
			os.Remove(res.Path)
		}
	}()
}

type BackgroundCompressor interface {
	Start(ctx context.Context, source string) *CompressionJob
}

type backgroundCompressor struct {
	ffmpeg ffmpeg.Runner
	cfg    config.Compression
}

func NewBackgroundCompressor(runner ffmpeg.Runner, cfg config.Compression) BackgroundCompressor {
	return &backgroundCompressor{ffmpeg: runner, cfg: cfg}
}

// minVideoKbps keeps very long sources watchable.
const minVideoKbps = 150

func (c *backgroundCompressor) Start(ctx context.Context, source string) *CompressionJob {
	t := task.Start(ctx, func(ctx context.Context, report func(float64)) (*CompressionResult, error) {
		res, err := c.compress(ctx, source, report)
		switch {
		case err == nil && res.Skipped:
			metrics.CompressionsTotal.WithLabelValues("skipped").Inc()
		case err == nil:
			metrics.CompressionsTotal.WithLabelValues("success").Inc()
			metrics.CompressionRatio.Observe(float64(res.CompressedSize) / float64(res.OriginalSize))
		case isCancelled(err):
			metrics.CompressionsTotal.WithLabelValues("cancelled").Inc()
		default:
			metrics.CompressionsTotal.WithLabelValues("failed").Inc()
			zerolog.Ctx(ctx).Warn().Err(err).Str("source", source).Msg("compression failed, falling back to original")
		}
		return res, err
	})
	return &CompressionJob{Task: t, Source: source}
}

func (c *backgroundCompressor) compress(ctx context.Context, source string, report func(float64)) (*CompressionResult, error) {
	stat, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}

	target := c.cfg.TargetBytes()
	if stat.Size() <= target {
		zerolog.Ctx(ctx).Info().Str("source", source).Int64("size", stat.Size()).Msg("source already within compression target")
		return &CompressionResult{Path: source, OriginalSize: stat.Size(), CompressedSize: stat.Size(), Skipped: true}, nil
	}

	info, err := c.ffmpeg.Probe(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}
	if info.Duration <= 0 {
		return nil, fmt.Errorf("%w: source has no duration", ErrCompression)
	}

	out := compressedName(source, c.cfg.WorkDir)
	if c.cfg.WorkDir != "" {
		if err := os.MkdirAll(c.cfg.WorkDir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCompression, err)
		}
	}
	part := out + ".part"
	args := c.args(source, part, info, target)

	zerolog.Ctx(ctx).Info().
		Str("source", source).
		Int64("original_size", stat.Size()).
		Int64("target_size", target).
		Strs("args", args).
		Msg("compressing video")

	if err := c.ffmpeg.Run(ctx, args, info.Duration, report); err != nil {
		os.Remove(part)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}
	if err := os.Rename(part, out); err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}

	compressed, err := os.Stat(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompression, err)
	}
	return &CompressionResult{Path: out, OriginalSize: stat.Size(), CompressedSize: compressed.Size()}, nil
}

func (c *backgroundCompressor) args(source, output string, info *ffmpeg.MediaInfo, target int64) []string {
	videoKbps := VideoBitrateKbps(target, info.Duration, c.cfg.AudioBitrateKbps)
	rate := strconv.Itoa(videoKbps) + "k"

	args := []string{"-i", source, "-c:v", "libx264"}
	if c.cfg.Preset != "" {
		args = append(args, "-preset", c.cfg.Preset)
	}
	args = append(args,
		"-b:v", rate,
		"-maxrate", rate,
		"-bufsize", strconv.Itoa(videoKbps*2)+"k",
	)

	if !c.cfg.PreserveResolution && c.cfg.MaxDimension > 0 {
		w, h := info.DisplaySize()
		if w > c.cfg.MaxDimension || h > c.cfg.MaxDimension {
			d := strconv.Itoa(c.cfg.MaxDimension)
			args = append(args, "-vf", "scale="+d+":"+d+":force_original_aspect_ratio=decrease:force_divisible_by=2")
		}
	}

	if c.cfg.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(c.cfg.Threads))
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", strconv.Itoa(c.cfg.AudioBitrateKbps)+"k",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
	return args
}

// VideoBitrateKbps is the video bitrate that lands a file of duration
// seconds near target bytes, leaving room for audio and container overhead.
func VideoBitrateKbps(target int64, duration float64, audioKbps int) int {
	totalKbps := float64(target) * 8 / 1000 / duration * 0.95
	return int(math.Max(minVideoKbps, math.Floor(totalKbps)-float64(audioKbps)))
}

// compressedName places the output in dir, or next to the source when dir
// is empty. Every job gets its own file so concurrent compressions of one
// source never share an output.
func compressedName(source, dir string) string {
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + "-" + uuid.NewString() + "-compressed.mp4"
	if dir == "" {
		dir = filepath.Dir(source)
	}
	return filepath.Join(dir, name)
}
