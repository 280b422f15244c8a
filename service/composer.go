package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"os"
	"path/filepath"
	"stitch-media/entities"
	"stitch-media/pkg/ffmpeg"
	"stitch-media/pkg/metrics"
	"strconv"
	"strings"
)

type MergeResult struct {
	Path     string
	Duration float64
	Width    int
	Height   int
}

// MediaComposer turns an ordered list of segments into one timeline.
type MediaComposer interface {
	Merge(ctx context.Context, segments []entities.RecordingSegment, outputPath string) (*MergeResult, error)
}

type mediaComposer struct {
	ffmpeg ffmpeg.Runner
}

func NewMediaComposer(runner ffmpeg.Runner) MediaComposer {
	return &mediaComposer{ffmpeg: runner}
}

func (c *mediaComposer) Merge(ctx context.Context, segments []entities.RecordingSegment, outputPath string) (res *MergeResult, err error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrComposition)
	}
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.MergesTotal.WithLabelValues(status).Inc()
	}()

	if len(segments) == 1 {
		return &MergeResult{Path: segments[0].Path, Duration: segments[0].Duration}, nil
	}

	infos := make([]*ffmpeg.MediaInfo, 0, len(segments))
	total := 0.0
	for i, s := range segments {
		info, err := c.ffmpeg.Probe(ctx, s.Path)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("segment", s.Path).Msg("failed to probe segment")
			return nil, fmt.Errorf("%w: probe segment %d: %w", ErrComposition, i, err)
		}
		if !info.HasVideo || !info.HasAudio {
			zerolog.Ctx(ctx).Error().Str("segment", s.Path).Bool("has_video", info.HasVideo).Bool("has_audio", info.HasAudio).Msg("segment is missing a track")
			return nil, fmt.Errorf("%w: segment %d has no decodable video and audio track", ErrComposition, i)
		}
		infos = append(infos, info)
		total += info.Duration
	}

	first := infos[0]
	width, height := first.DisplaySize()

	args := []string{}
	for _, s := range segments {
		// Rotation is applied once to the whole timeline, so inputs are read raw.
		args = append(args, "-noautorotate", "-i", s.Path)
	}
	args = append(args,
		"-filter_complex", concatGraph(len(segments), first.Width, first.Height, first.Rotation),
		"-map", "[v]",
		"-map", "[a]",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "20",
		"-c:a", "aac",
		"-b:a", "128k",
		"-metadata:s:v:0", "rotate=0",
		"-movflags", "+faststart",
		"-f", "mp4",
	)

	tmp := tempName(outputPath)
	args = append(args, tmp)

	zerolog.Ctx(ctx).Info().
		Int("segments", len(segments)).
		Float64("duration", total).
		Int("width", width).
		Int("height", height).
		Int("rotation", first.Rotation).
		Msg("merging segments")

	if err := c.ffmpeg.Run(ctx, args, total, nil); err != nil {
		os.Remove(tmp)
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to merge segments")
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	return &MergeResult{Path: outputPath, Duration: total, Width: width, Height: height}, nil
}

// concatGraph fits every input onto a width x height frame, concatenates
// them and rotates the result.
func concatGraph(n, width, height, rotation int) string {
	w, h := strconv.Itoa(width), strconv.Itoa(height)
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[%d:v]scale=%s:%s:force_original_aspect_ratio=decrease,pad=%s:%s:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=30[v%d];", i, w, h, w, h, i)
		fmt.Fprintf(&b, "[%d:a]aresample=48000[a%d];", i, i)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=1:a=1[vc][a];", n)

	switch rotation {
	case 90:
		b.WriteString("[vc]transpose=1[v]")
	case 180:
		b.WriteString("[vc]hflip,vflip[v]")
	case 270:
		b.WriteString("[vc]transpose=2[v]")
	default:
		b.WriteString("[vc]null[v]")
	}
	return b.String()
}

// tempName is where an output is written before it is complete.
func tempName(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".part")
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
