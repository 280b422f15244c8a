package service

import (
	"context"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"stitch-media/constant"
	"stitch-media/entities"
	"stitch-media/pkg/task"
	"testing"
	"time"
)

// gatedCompressor writes its output only once release is closed, ignoring
// cancellation, so tests can finish a job after it went stale.
type gatedCompressor struct {
	dir     string
	release chan struct{}
	started int
}

func (c *gatedCompressor) Start(ctx context.Context, source string) *CompressionJob {
	c.started++
	out := filepath.Join(c.dir, filepath.Base(source)+"-compressed.mp4")
	release := c.release
	t := task.Start(context.Background(), func(ctx context.Context, report func(float64)) (*CompressionResult, error) {
		if release != nil {
			<-release
		}
		report(0.5)
		if err := os.WriteFile(out, []byte("small"), 0o644); err != nil {
			return nil, err
		}
		return &CompressionResult{Path: out, OriginalSize: 100, CompressedSize: 5}, nil
	})
	return &CompressionJob{Task: t, Source: source}
}

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) SelectMode(state entities.EditState) constant.ExportMode {
	return m.Called(state).Get(0).(constant.ExportMode)
}

func (m *mockPlanner) Start(ctx context.Context, req ExportRequest) *task.Task[*entities.ExportArtifact] {
	return m.Called(req).Get(0).(*task.Task[*entities.ExportArtifact])
}

func (m *mockPlanner) Export(ctx context.Context, req ExportRequest, progress func(float64)) (*entities.ExportArtifact, error) {
	args := m.Called(req)
	if progress != nil {
		progress(0.5)
	}
	artifact, _ := args.Get(0).(*entities.ExportArtifact)
	return artifact, args.Error(1)
}

func newTestSession(t *testing.T, compressor BackgroundCompressor, planner ExportPlanner) (*EditSession, string) {
	t.Helper()
	dir := t.TempDir()
	source := writeFile(t, dir, "source.mp4", 100)
	return NewEditSession(entities.NewEditState(source, 10), compressor, planner, zerolog.Nop()), dir
}

func waitSettled(t *testing.T, s *EditSession) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitCompression(ctx))
}

func TestCompressionCompletesIntoState(t *testing.T) {
	compressor := &gatedCompressor{dir: t.TempDir()}
	s, _ := newTestSession(t, compressor, nil)

	job := s.StartCompression(context.Background())
	require.NotNil(t, job)
	waitSettled(t, s)

	state := s.Snapshot()
	assert.True(t, state.CompressionComplete)
	assert.Equal(t, 1.0, state.CompressionProgress)
	assert.Equal(t, int64(5), state.CompressedSize)
	assert.True(t, fileExists(state.CompressedOutput))
	assert.Equal(t, state.CompressedOutput, ExportSource(state))
}

func TestStartCompressionReusesRunningJob(t *testing.T) {
	compressor := &gatedCompressor{dir: t.TempDir(), release: make(chan struct{})}
	s, _ := newTestSession(t, compressor, nil)

	first := s.StartCompression(context.Background())
	second := s.StartCompression(context.Background())
	assert.Same(t, first, second)
	assert.Equal(t, 1, compressor.started)

	close(compressor.release)
	waitSettled(t, s)
}

func TestLargeTrimInvalidatesCompressedOutput(t *testing.T) {
	compressor := &gatedCompressor{dir: t.TempDir()}
	s, _ := newTestSession(t, compressor, nil)
	s.StartCompression(context.Background())
	waitSettled(t, s)
	compressed := s.Snapshot().CompressedOutput

	// A small nudge keeps the output.
	require.NoError(t, s.SetTrim(0.3, 10))
	assert.Equal(t, compressed, s.Snapshot().CompressedOutput)

	require.NoError(t, s.SetTrim(2, 10))
	state := s.Snapshot()
	assert.Empty(t, state.CompressedOutput)
	assert.False(t, state.CompressionComplete)
	assert.False(t, fileExists(compressed))
	assert.Equal(t, state.SourcePath, ExportSource(state))
	assert.True(t, fileExists(state.SourcePath))
}

func TestStaleCompressionIsDiscarded(t *testing.T) {
	compressor := &gatedCompressor{dir: t.TempDir(), release: make(chan struct{})}
	s, _ := newTestSession(t, compressor, nil)

	job := s.StartCompression(context.Background())
	require.NoError(t, s.SetTrim(3, 9))
	close(compressor.release)

	res, err := job.Wait(context.Background())
	require.NoError(t, err)
	waitSettled(t, s)

	state := s.Snapshot()
	assert.Empty(t, state.CompressedOutput)
	assert.False(t, state.CompressionComplete)
	assert.Eventually(t, func() bool { return !fileExists(res.Path) }, time.Second, 10*time.Millisecond)
}

func TestResetToRawClearsEdits(t *testing.T) {
	s, _ := newTestSession(t, &gatedCompressor{dir: t.TempDir()}, nil)
	require.NoError(t, s.SetTrim(1, 9))
	s.SetFilter(constant.FilterWarm, 2)
	_, err := s.AddCaption(entities.Caption{Text: "hello", StartTime: 2, Duration: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Snapshot().FilterIntensity)

	s.ResetToRaw()
	state := s.Snapshot()
	assert.True(t, state.IsRaw())
	assert.Empty(t, state.Captions)
}

func TestEditsBackToRawInvalidateOutputs(t *testing.T) {
	s, _ := newTestSession(t, &gatedCompressor{dir: t.TempDir()}, nil)
	s.StartCompression(context.Background())
	waitSettled(t, s)
	compressed := s.Snapshot().CompressedOutput

	s.SetFilter(constant.FilterWarm, 1)
	caption, err := s.AddCaption(entities.Caption{Text: "hi", StartTime: 2, Duration: 1})
	require.NoError(t, err)
	require.NoError(t, s.SetTrim(0.3, 10))

	require.NoError(t, s.RemoveCaption(caption.ID))
	s.SetFilter(constant.FilterNone, 0)
	assert.Equal(t, compressed, s.Snapshot().CompressedOutput, "still trimmed")

	require.NoError(t, s.SetTrim(0, 10))
	state := s.Snapshot()
	assert.True(t, state.IsRaw())
	assert.Empty(t, state.CompressedOutput)
	assert.False(t, state.CompressionComplete)
	assert.False(t, fileExists(compressed))
	assert.True(t, fileExists(state.SourcePath))
}

func TestCaptionsOutsideTrimAreDropped(t *testing.T) {
	s, _ := newTestSession(t, &gatedCompressor{dir: t.TempDir()}, nil)
	kept, err := s.AddCaption(entities.Caption{Text: "kept", StartTime: 5, Duration: 1})
	require.NoError(t, err)
	_, err = s.AddCaption(entities.Caption{Text: "dropped", StartTime: 1, Duration: 1})
	require.NoError(t, err)

	require.NoError(t, s.SetTrim(4, 10))
	captions := s.Snapshot().Captions
	require.Len(t, captions, 1)
	assert.Equal(t, kept.ID, captions[0].ID)

	_, err = s.AddCaption(entities.Caption{Text: "early", StartTime: 1, Duration: 1})
	assert.ErrorIs(t, err, entities.ErrCaptionOutOfRange)
}

func TestExportRecordsProcessedOutput(t *testing.T) {
	planner := new(mockPlanner)
	s, dir := newTestSession(t, &gatedCompressor{dir: t.TempDir()}, planner)

	first := writeFile(t, dir, "first.mp4", 10)
	second := writeFile(t, dir, "second.mp4", 10)
	planner.On("Export", mock.Anything).Return(&entities.ExportArtifact{VideoPath: first, ThumbnailPath: first + ".jpg"}, nil).Once()
	planner.On("Export", mock.Anything).Return(&entities.ExportArtifact{VideoPath: second, ThumbnailPath: second + ".jpg"}, nil).Once()

	_, err := s.Export(context.Background(), constant.TierRookie, nil)
	require.NoError(t, err)
	state := s.Snapshot()
	assert.Equal(t, first, state.ProcessedOutput)
	assert.False(t, state.IsProcessing)
	assert.Equal(t, 1.0, state.ProcessingProgress)

	_, err = s.Export(context.Background(), constant.TierRookie, nil)
	require.NoError(t, err)
	assert.Equal(t, second, s.Snapshot().ProcessedOutput)
	assert.False(t, fileExists(first))
	planner.AssertExpectations(t)
}

func TestExportReadsCompressedSource(t *testing.T) {
	planner := new(mockPlanner)
	s, dir := newTestSession(t, &gatedCompressor{dir: t.TempDir()}, planner)
	s.StartCompression(context.Background())
	waitSettled(t, s)
	compressed := s.Snapshot().CompressedOutput

	out := writeFile(t, dir, "out.mp4", 10)
	planner.On("Export", mock.MatchedBy(func(req ExportRequest) bool {
		return req.Source == compressed && req.Tier == constant.TierVeteran
	})).Return(&entities.ExportArtifact{VideoPath: out, ThumbnailPath: out + ".jpg"}, nil)

	_, err := s.Export(context.Background(), constant.TierVeteran, nil)
	require.NoError(t, err)
	planner.AssertExpectations(t)
}

func TestExportFailureKeepsState(t *testing.T) {
	planner := new(mockPlanner)
	s, _ := newTestSession(t, &gatedCompressor{dir: t.TempDir()}, planner)
	planner.On("Export", mock.Anything).Return(nil, ErrExport)

	_, err := s.Export(context.Background(), constant.TierRookie, nil)
	assert.ErrorIs(t, err, ErrExport)
	state := s.Snapshot()
	assert.False(t, state.IsProcessing)
	assert.Zero(t, state.ProcessingProgress)
	assert.Empty(t, state.ProcessedOutput)
}

func TestDiscardKeepsSource(t *testing.T) {
	s, _ := newTestSession(t, &gatedCompressor{dir: t.TempDir()}, nil)
	s.StartCompression(context.Background())
	waitSettled(t, s)
	compressed := s.Snapshot().CompressedOutput

	s.Discard()
	state := s.Snapshot()
	assert.False(t, fileExists(compressed))
	assert.True(t, fileExists(state.SourcePath))
}
