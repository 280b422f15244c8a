package service

import (
	"context"
	"fmt"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"io"
	"math"
	"os"
	"path/filepath"
	"stitch-media/config"
	"stitch-media/constant"
	"stitch-media/entities"
	"stitch-media/pkg/ffmpeg"
	"stitch-media/pkg/metrics"
	"stitch-media/pkg/task"
	"strings"
	"time"
)

type ExportRequest struct {
	State entities.EditState
	// Source overrides State.SourcePath, for example with a compressed copy
	// of the same recording.
	Source string
	Tier   constant.Tier
	// OutputPath is where the video is written. The thumbnail is placed next
	// to it. A path under the configured work dir is generated when empty.
	OutputPath string
}

type ExportPlanner interface {
	SelectMode(state entities.EditState) constant.ExportMode
	Start(ctx context.Context, req ExportRequest) *task.Task[*entities.ExportArtifact]
	Export(ctx context.Context, req ExportRequest, progress func(float64)) (*entities.ExportArtifact, error)
}

type exportPlanner struct {
	ffmpeg ffmpeg.Runner
	cfg    config.Export
}

func NewExportPlanner(runner ffmpeg.Runner, cfg config.Export) ExportPlanner {
	return &exportPlanner{ffmpeg: runner, cfg: cfg}
}

// encodeShare is the part of the progress bar given to the video; the rest
// covers the thumbnail.
const encodeShare = 0.95

func (p *exportPlanner) SelectMode(state entities.EditState) constant.ExportMode {
	switch {
	case state.HasFilter() || state.HasCaptions():
		return constant.ExportModeFullProcess
	case state.IsTrimmed():
		return constant.ExportModeTrimOnly
	default:
		return constant.ExportModePassthrough
	}
}

func (p *exportPlanner) Start(ctx context.Context, req ExportRequest) *task.Task[*entities.ExportArtifact] {
	return task.Start(ctx, func(ctx context.Context, report func(float64)) (*entities.ExportArtifact, error) {
		return p.Export(ctx, req, report)
	})
}

func (p *exportPlanner) Export(ctx context.Context, req ExportRequest, progress func(float64)) (artifact *entities.ExportArtifact, err error) {
	if progress == nil {
		progress = func(float64) {}
	}
	state := req.State
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	limit, limited := req.Tier.MaxDuration()
	if err := checkBudget(state.TrimmedDuration(), limit, limited); err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = state.SourcePath
	}
	output := req.OutputPath
	if output == "" {
		output = filepath.Join(p.cfg.WorkDir, uuid.NewString()+".mp4")
	}
	if err := os.MkdirAll(filepath.Dir(output), os.ModePerm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	mode := p.SelectMode(state)
	logger := zerolog.Ctx(ctx).With().Str("mode", string(mode)).Str("source", source).Str("output", output).Logger()
	started := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
			if isCancelled(err) {
				status = "cancelled"
			}
		}
		metrics.ExportsTotal.WithLabelValues(string(mode), status).Inc()
		metrics.ExportDuration.WithLabelValues(string(mode)).Observe(time.Since(started).Seconds())
	}()

	logger.Info().Float64("trim_start", state.TrimStart).Float64("trim_end", state.TrimEnd).Msg("exporting video")

	encodeProgress := func(f float64) { progress(f * encodeShare) }
	tmp := tempName(output)
	duration := state.TrimmedDuration()

	switch mode {
	case constant.ExportModePassthrough:
		duration = state.OriginalDuration
		err = copyFile(ctx, source, tmp, encodeProgress)
	case constant.ExportModeTrimOnly:
		err = p.ffmpeg.Run(ctx, trimArgs(state, source, tmp), duration, encodeProgress)
	default:
		err = p.ffmpeg.Run(ctx, fullProcessArgs(state, source, tmp), duration, encodeProgress)
	}
	if err != nil {
		os.Remove(tmp)
		logger.Error().Err(err).Msg("failed to export video")
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	if err = os.Rename(tmp, output); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	thumbnail := strings.TrimSuffix(output, filepath.Ext(output)) + ".jpg"
	if err = writeThumbnail(ctx, p.ffmpeg, p.cfg, output, thumbnail, duration); err != nil {
		// The video is useless without its thumbnail.
		removeFiles(output, thumbnail)
		logger.Error().Err(err).Msg("failed to generate thumbnail")
		return nil, fmt.Errorf("%w: thumbnail: %w", ErrExport, err)
	}

	stat, err := os.Stat(output)
	if err != nil {
		removeFiles(output, thumbnail)
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	artifact, err = entities.NewExportArtifact(output, thumbnail, duration, stat.Size())
	if err != nil {
		removeFiles(output, thumbnail)
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	progress(1)
	logger.Info().Int64("size", stat.Size()).Dur("elapsed", time.Since(started)).Msg("export finished")
	return artifact, nil
}

// ThumbnailOffset is where the thumbnail frame is sampled.
func ThumbnailOffset(duration float64) float64 {
	return math.Min(0.5, duration*0.1)
}

func writeThumbnail(ctx context.Context, runner ffmpeg.Runner, cfg config.Export, video, output string, duration float64) error {
	img, err := runner.Frame(ctx, video, ThumbnailOffset(duration))
	if err != nil {
		return err
	}

	if limit := cfg.ThumbnailMaxSize; limit > 0 {
		b := img.Bounds()
		if b.Dx() > limit || b.Dy() > limit {
			img = imaging.Fit(img, limit, limit, imaging.Lanczos)
		}
	}

	quality := cfg.ThumbnailQuality
	if quality <= 0 {
		quality = 80
	}
	return imaging.Save(img, output, imaging.JPEGQuality(quality))
}

func trimArgs(state entities.EditState, source, output string) []string {
	return []string{
		"-ss", ffmpeg.FormatSeconds(state.TrimStart),
		"-to", ffmpeg.FormatSeconds(state.TrimEnd),
		"-i", source,
		"-map", "0",
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	}
}

func fullProcessArgs(state entities.EditState, source, output string) []string {
	args := []string{
		"-ss", ffmpeg.FormatSeconds(state.TrimStart),
		"-to", ffmpeg.FormatSeconds(state.TrimEnd),
		"-i", source,
	}
	if chain := videoFilterChain(state); chain != "" {
		args = append(args, "-vf", chain)
	}
	return append(args,
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
}

// videoFilterChain is the color filter followed by one drawtext per caption.
// Caption times are relative to the trimmed output.
func videoFilterChain(state entities.EditState) string {
	var parts []string
	if expr := FilterExpression(state.Filter, state.FilterIntensity); expr != "" {
		parts = append(parts, expr)
	}
	for _, c := range state.Captions {
		parts = append(parts, drawText(c, state.TrimStart, state.TrimEnd))
	}
	return strings.Join(parts, ",")
}

// FilterExpression maps a named filter to an ffmpeg filter scaled by
// intensity in [0, 1]. The empty filter maps to "".
func FilterExpression(filter constant.Filter, intensity float64) string {
	i := math.Max(0, math.Min(1, intensity))
	switch filter {
	case constant.FilterVivid:
		return fmt.Sprintf("eq=saturation=%.3f:contrast=%.3f", 1+0.5*i, 1+0.1*i)
	case constant.FilterMono:
		return fmt.Sprintf("hue=s=%.3f", 1-i)
	case constant.FilterWarm:
		return fmt.Sprintf("colorbalance=rs=%.3f:bs=%.3f", 0.15*i, -0.15*i)
	case constant.FilterCool:
		return fmt.Sprintf("colorbalance=rs=%.3f:bs=%.3f", -0.15*i, 0.15*i)
	case constant.FilterVintage:
		return fmt.Sprintf("eq=saturation=%.3f:gamma=%.3f,colorbalance=rm=%.3f:bm=%.3f", 1-0.4*i, 1+0.1*i, 0.1*i, -0.1*i)
	case constant.FilterDramatic:
		return fmt.Sprintf("eq=contrast=%.3f:brightness=%.3f:saturation=%.3f", 1+0.4*i, -0.05*i, 1+0.2*i)
	default:
		return ""
	}
}

func drawText(c entities.Caption, trimStart, trimEnd float64) string {
	start := c.StartTime - trimStart
	end := math.Min(c.EndTime(), trimEnd) - trimStart

	var y string
	switch c.Position {
	case constant.CaptionTop:
		y = "h*0.10"
	case constant.CaptionCenter:
		y = "(h-text_h)/2"
	default:
		y = "h*0.85-text_h"
	}

	style := "fontsize=h/20:fontcolor=white:borderw=2:bordercolor=black"
	switch c.Style {
	case constant.CaptionStyleBold:
		style = "fontsize=h/14:fontcolor=white:borderw=4:bordercolor=black"
	case constant.CaptionStyleHighlight:
		style = "fontsize=h/18:fontcolor=white:box=1:boxcolor=black@0.6:boxborderw=12"
	}

	return fmt.Sprintf("drawtext=text='%s':%s:x=(w-text_w)/2:y=%s:enable='between(t,%s,%s)'",
		escapeDrawText(c.Text), style, y, ffmpeg.FormatSeconds(start), ffmpeg.FormatSeconds(end))
}

// Quotes cannot be escaped inside a quoted drawtext value, so they are
// replaced with a typographic apostrophe.
var drawTextEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, "\u2019",
	`:`, `\:`,
	`%`, `\%`,
	`,`, `\,`,
)

func escapeDrawText(s string) string {
	return drawTextEscaper.Replace(s)
}

// copyFile is the passthrough export. Progress follows the bytes written.
func copyFile(ctx context.Context, src, dst string, progress func(float64)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	stat, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	buf := make([]byte, 1<<20)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return err
			}
			written += int64(n)
			if stat.Size() > 0 {
				progress(float64(written) / float64(stat.Size()))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return readErr
		}
	}
	return out.Close()
}
