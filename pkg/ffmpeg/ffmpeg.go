// Package ffmpeg wraps the ffprobe and ffmpeg binaries behind a small
// interface so media services can be tested without them.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Runner is what the media services need from ffmpeg.
type Runner interface {
	// Probe describes the streams of a media file.
	Probe(ctx context.Context, path string) (*MediaInfo, error)
	// Run executes ffmpeg with args. duration is the expected output length
	// in seconds and is used to turn encoder timestamps into a fraction.
	// The process is killed when ctx is done.
	Run(ctx context.Context, args []string, duration float64, progress func(float64)) error
	// Frame decodes a single video frame at the given offset in seconds.
	Frame(ctx context.Context, path string, at float64) (image.Image, error)
}

type MediaInfo struct {
	Path       string  `json:"path"`
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Rotation   int     `json:"rotation"`
	VideoCodec string  `json:"video_codec"`
	HasVideo   bool    `json:"has_video"`
	HasAudio   bool    `json:"has_audio"`
	Size       int64   `json:"size"`
	BitRate    int64   `json:"bit_rate"`
}

// IsRotated reports whether the stored frame is displayed sideways.
func (m MediaInfo) IsRotated() bool {
	return m.Rotation == 90 || m.Rotation == 270
}

// DisplaySize is the frame size after the rotation is applied.
func (m MediaInfo) DisplaySize() (width, height int) {
	if m.IsRotated() {
		return m.Height, m.Width
	}
	return m.Width, m.Height
}

// Error carries the tail of ffmpeg's diagnostic output.
type Error struct {
	Args   []string
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, e.Output)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// maxOutput bounds how much stderr is kept for error messages.
const maxOutput = 4096

type Exec struct {
	FFmpegPath  string
	FFprobePath string
	// Threads caps encoder threads when > 0.
	Threads int
}

func New() *Exec {
	return &Exec{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

// WithThreads returns a copy that limits encoder threads, used for
// low-priority work.
func (e *Exec) WithThreads(n int) *Exec {
	c := *e
	c.Threads = n
	return &c
}

func (e *Exec) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, e.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe error: %w - %s", err, stderr.String())
	}

	info, err := ParseProbe(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

type probeOutput struct {
	Streams []struct {
		CodecType string            `json:"codec_type"`
		CodecName string            `json:"codec_name"`
		Width     int               `json:"width"`
		Height    int               `json:"height"`
		Duration  string            `json:"duration"`
		Tags      map[string]string `json:"tags"`
		SideData  []struct {
			Rotation *float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// ParseProbe decodes ffprobe's JSON output.
func ParseProbe(data []byte) (*MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	info := &MediaInfo{}
	info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	info.Size, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	info.BitRate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			if info.Duration == 0 {
				info.Duration, _ = strconv.ParseFloat(s.Duration, 64)
			}

			if tag, ok := s.Tags["rotate"]; ok {
				deg, _ := strconv.Atoi(tag)
				info.Rotation = normalizeRotation(deg)
			} else {
				for _, sd := range s.SideData {
					if sd.Rotation != nil {
						// The display matrix angle is counter-clockwise.
						info.Rotation = normalizeRotation(-int(math.Round(*sd.Rotation)))
						break
					}
				}
			}
		case "audio":
			info.HasAudio = true
		}
	}

	return info, nil
}

func normalizeRotation(deg int) int {
	deg = ((deg % 360) + 360) % 360
	return (deg + 45) / 90 * 90 % 360
}

func (e *Exec) Run(ctx context.Context, args []string, duration float64, progress func(float64)) error {
	full := []string{"-hide_banner", "-nostats", "-progress", "pipe:1", "-y"}
	if e.Threads > 0 {
		full = append(full, "-threads", strconv.Itoa(e.Threads))
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, e.FFmpegPath, full...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: maxOutput}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanErr := ScanProgress(stdout, duration, progress)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return &Error{Args: full, Output: stderr.String(), Err: waitErr}
	}
	if scanErr != nil && !errors.Is(scanErr, io.EOF) {
		return fmt.Errorf("read ffmpeg progress: %w", scanErr)
	}
	return nil
}

// ScanProgress reads ffmpeg "-progress" key=value lines and reports the
// fraction of duration written so far.
func ScanProgress(r io.Reader, duration float64, progress func(float64)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || progress == nil {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys are microseconds.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || duration <= 0 {
				continue
			}
			progress(math.Min(1, float64(us)/1e6/duration))
		case "progress":
			if value == "end" {
				progress(1)
			}
		}
	}
	return scanner.Err()
}

func (e *Exec) Frame(ctx context.Context, path string, at float64) (image.Image, error) {
	cmd := exec.CommandContext(ctx, e.FFmpegPath,
		"-hide_banner",
		"-ss", FormatSeconds(at),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxOutput}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return nil, &Error{Args: cmd.Args, Output: stderr.String(), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame for %s at %.2fs", path, at)
	}

	img, _, err := image.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg frame: %w", err)
	}
	return img, nil
}

// FormatSeconds renders a timestamp for ffmpeg arguments.
func FormatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
