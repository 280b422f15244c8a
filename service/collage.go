package service

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"math"
	"os"
	"stitch-media/config"
	"stitch-media/entities"
	"stitch-media/pkg/ffmpeg"
	"strings"
)

type CollageRender struct {
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
	// Drift is the rendered length minus the configured collage length.
	Drift float64 `json:"drift"`
}

// CollageComposer renders planned clips into one collage video.
type CollageComposer interface {
	Render(ctx context.Context, clips []entities.CollageClip, output string) (*CollageRender, error)
}

type collageComposer struct {
	ffmpeg ffmpeg.Runner
	cfg    config.Collage
}

func NewCollageComposer(runner ffmpeg.Runner, cfg config.Collage) CollageComposer {
	return &collageComposer{ffmpeg: runner, cfg: cfg}
}

const (
	collageFPS        = 30
	collageSampleRate = 48000
)

func (c *collageComposer) Render(ctx context.Context, clips []entities.CollageClip, output string) (*CollageRender, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("%w: collage has no clips", ErrComposition)
	}
	for i, clip := range clips {
		if clip.Media == nil || clip.Media.Path == "" {
			return nil, fmt.Errorf("%w: clip %d (%s) has no media", ErrComposition, i, clip.SourceID)
		}
	}

	width, height := frameSize(clips[0].Media)
	args, duration := c.args(clips, width, height)
	tmp := tempName(output)
	args = append(args, tmp)

	drift := duration - c.cfg.TotalDuration
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Int("clips", len(clips)).
		Int("width", width).
		Int("height", height).
		Float64("duration", duration).
		Msg("rendering collage")
	if math.Abs(drift) > 0.01 {
		logger.Warn().Float64("drift", drift).Float64("target", c.cfg.TotalDuration).Msg("collage length differs from target")
	}

	if err := c.ffmpeg.Run(ctx, args, duration, nil); err != nil {
		os.Remove(tmp)
		logger.Error().Err(err).Msg("failed to render collage")
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	if err := os.Rename(tmp, output); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	return &CollageRender{Path: output, Duration: duration, Drift: drift}, nil
}

// frameSize is the displayed size of the main clip, rounded down to even
// numbers for the encoder.
func frameSize(m *entities.MediaHandle) (int, int) {
	w, h := m.Width, m.Height
	if m.Rotation == 90 || m.Rotation == 270 {
		w, h = h, w
	}
	if w <= 0 || h <= 0 {
		w, h = 720, 1280
	}
	return w &^ 1, h &^ 1
}

func (c *collageComposer) args(clips []entities.CollageClip, width, height int) ([]string, float64) {
	var args []string
	var graph strings.Builder
	var labels []string
	total := 0.0
	size := fmt.Sprintf("%d:%d", width, height)
	fit := fmt.Sprintf("scale=%s:force_original_aspect_ratio=decrease,pad=%s:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d", size, size, collageFPS)

	card := func(name string, d float64) {
		fmt.Fprintf(&graph, "color=c=black:s=%dx%d:r=%d:d=%s,setsar=1[%sv];", width, height, collageFPS, ffmpeg.FormatSeconds(d), name)
		fmt.Fprintf(&graph, "%s[%sa];", silence(d), name)
		labels = append(labels, fmt.Sprintf("[%sv][%sa]", name, name))
		total += d
	}

	input := 0
	for i, clip := range clips {
		if i > 0 && c.cfg.TransitionDuration > 0 {
			card(fmt.Sprintf("t%d", i), c.cfg.TransitionDuration)
		}

		played := clip.PlayedDuration()
		args = append(args,
			"-ss", ffmpeg.FormatSeconds(clip.TrimStart),
			"-t", ffmpeg.FormatSeconds(played),
			"-i", clip.Media.Path,
		)
		fmt.Fprintf(&graph, "[%d:v]%s[c%dv];", input, fit, i)
		if clip.Media.HasAudio {
			fmt.Fprintf(&graph, "[%d:a]aresample=%d,aformat=channel_layouts=stereo,apad,atrim=duration=%s[c%da];", input, collageSampleRate, ffmpeg.FormatSeconds(played), i)
		} else {
			fmt.Fprintf(&graph, "%s[c%da];", silence(played), i)
		}
		labels = append(labels, fmt.Sprintf("[c%dv][c%da]", i, i))
		total += played
		input++
	}

	if d := c.cfg.WatermarkDuration; d > 0 {
		if c.cfg.WatermarkImage != "" {
			args = append(args, "-loop", "1", "-t", ffmpeg.FormatSeconds(d), "-i", c.cfg.WatermarkImage)
			fmt.Fprintf(&graph, "[%d:v]%s[wv];", input, fit)
			fmt.Fprintf(&graph, "%s[wa];", silence(d))
			labels = append(labels, "[wv][wa]")
			total += d
		} else {
			card("w", d)
		}
	}

	graph.WriteString(strings.Join(labels, ""))
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[v][a]", len(labels))

	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[v]",
		"-map", "[a]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-f", "mp4",
	)
	return args, total
}

func silence(d float64) string {
	return fmt.Sprintf("anullsrc=r=%d:cl=stereo,atrim=duration=%s", collageSampleRate, ffmpeg.FormatSeconds(d))
}
