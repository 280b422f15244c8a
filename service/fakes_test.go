package service

import (
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"image"
	"os"
	"path/filepath"
	"stitch-media/pkg/ffmpeg"
	"sync"
	"testing"
	"time"
)

// fakeRunner stands in for ffmpeg. Run writes a small file at the last
// argument, which is where every caller puts the output.
type fakeRunner struct {
	mu       sync.Mutex
	probes   map[string]*ffmpeg.MediaInfo
	probeErr error
	runErr   error
	frameErr error
	output   []byte
	// release, when set, holds Run until it is closed or ctx is done.
	release chan struct{}
	runs    [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{probes: map[string]*ffmpeg.MediaInfo{}, output: []byte("encoded")}
}

func (f *fakeRunner) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if info, ok := f.probes[path]; ok {
		c := *info
		return &c, nil
	}
	return &ffmpeg.MediaInfo{Path: path, Duration: 10, Width: 1280, Height: 720, HasVideo: true, HasAudio: true}, nil
}

func (f *fakeRunner) Run(ctx context.Context, args []string, duration float64, progress func(float64)) error {
	f.mu.Lock()
	f.runs = append(f.runs, args)
	release, runErr, output := f.release, f.runErr, f.output
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if runErr != nil {
		return runErr
	}
	if progress != nil {
		progress(0.5)
	}
	return os.WriteFile(args[len(args)-1], output, 0o644)
}

func (f *fakeRunner) Frame(ctx context.Context, path string, at float64) (image.Image, error) {
	if f.frameErr != nil {
		return nil, f.frameErr
	}
	return image.NewRGBA(image.Rect(0, 0, 64, 36)), nil
}

func (f *fakeRunner) lastRun() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil
	}
	return f.runs[len(f.runs)-1]
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

var errFFmpeg = errors.New("exit status 1")

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type fakeTimer struct {
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock records scheduled callbacks instead of running them.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	after []time.Duration
	funcs []func()
	timer *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.after = append(c.after, d)
	c.funcs = append(c.funcs, f)
	c.timer = &fakeTimer{}
	return c.timer
}

// fire runs the most recently scheduled callback.
func (c *fakeClock) fire() {
	c.mu.Lock()
	f := c.funcs[len(c.funcs)-1]
	c.mu.Unlock()
	f()
}
