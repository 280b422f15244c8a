package entities

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stitch-media/constant"
	"testing"
)

func completedState() EditState {
	s := NewEditState("raw.mp4", 20)
	s.CompressedOutput = "raw-compressed.mp4"
	s.CompressionComplete = true
	s.CompressionProgress = 1
	s.ProcessedOutput = "processed.mp4"
	return s
}

func TestSetTrimInvalidatesAfterLargeMove(t *testing.T) {
	s := completedState()

	stale, err := s.SetTrim(0.4, 20)
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.True(t, s.CompressionComplete)

	stale, err = s.SetTrim(1.0, 20)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"raw-compressed.mp4", "processed.mp4"}, stale)
	assert.Empty(t, s.CompressedOutput)
	assert.False(t, s.CompressionComplete)
	assert.Zero(t, s.CompressionProgress)
	assert.Empty(t, s.ProcessedOutput)
}

func TestSetTrimRejectsBadRange(t *testing.T) {
	s := NewEditState("raw.mp4", 20)
	for _, r := range [][2]float64{{-1, 5}, {5, 4}, {0, 25}} {
		_, err := s.SetTrim(r[0], r[1])
		assert.ErrorIs(t, err, ErrInvalidTrim, "%v", r)
	}
	// A hair past the end is clamped.
	_, err := s.SetTrim(0, 20.01)
	require.NoError(t, err)
	assert.Equal(t, 20.0, s.TrimEnd)
}

func TestInvalidateNeverReturnsSource(t *testing.T) {
	s := NewEditState("raw.mp4", 20)
	s.CompressedOutput = "raw.mp4"
	s.CompressionComplete = true
	assert.Empty(t, s.Invalidate())
}

func TestModeInputs(t *testing.T) {
	s := NewEditState("raw.mp4", 20)
	assert.True(t, s.IsRaw())

	_, err := s.SetTrim(2, 18)
	require.NoError(t, err)
	assert.True(t, s.IsTrimmed())
	assert.InDelta(t, 16.0, s.TrimmedDuration(), 1e-9)

	s.SetFilter(constant.FilterCool, 0.4)
	assert.True(t, s.HasFilter())
	assert.False(t, s.IsRaw())
}

func TestCaptionLifecycle(t *testing.T) {
	s := NewEditState("raw.mp4", 20)
	_, err := s.SetTrim(2, 18)
	require.NoError(t, err)

	c, err := s.AddCaption(Caption{Text: "hello", StartTime: 3, Duration: 2})
	require.NoError(t, err)
	assert.Equal(t, constant.CaptionBottom, c.Position)
	assert.Equal(t, constant.CaptionStyleStandard, c.Style)

	_, err = s.AddCaption(Caption{Text: "early", StartTime: 1, Duration: 2})
	assert.ErrorIs(t, err, ErrCaptionOutOfRange)
	_, err = s.AddCaption(Caption{StartTime: 4, Duration: 2})
	assert.ErrorIs(t, err, ErrInvalidCaption)

	c.Text = "hello again"
	require.NoError(t, s.UpdateCaption(c))
	assert.Equal(t, "hello again", s.Captions[0].Text)

	require.NoError(t, s.RemoveCaption(c.ID))
	assert.Empty(t, s.Captions)
	assert.ErrorIs(t, s.RemoveCaption(c.ID), ErrCaptionNotFound)
}

func TestUpgradeV1EditState(t *testing.T) {
	raw := []byte(`{"videoURL":"videos/a.mp4","duration":12.5,"trimStart":1,"trimEnd":0,"filterName":"mono","processedURL":"out.mp4"}`)

	s, err := UpgradeEditState(raw)
	require.NoError(t, err)
	assert.Equal(t, EditStateVersion, s.SchemaVersion)
	assert.Equal(t, "videos/a.mp4", s.SourcePath)
	assert.Equal(t, 1.0, s.TrimStart)
	assert.Equal(t, 12.5, s.TrimEnd)
	assert.Equal(t, constant.FilterMono, s.Filter)
	assert.Equal(t, 1.0, s.FilterIntensity)
	assert.NotNil(t, s.Captions)
	assert.Equal(t, "out.mp4", s.ProcessedOutput)
}

func TestUpgradeV1NoFilterNames(t *testing.T) {
	for _, name := range []string{"", "none", "None", "original", "normal", "sepia-v0"} {
		raw := []byte(`{"videoURL":"a.mp4","duration":10,"trimEnd":10,"filterName":"` + name + `"}`)
		s, err := UpgradeEditState(raw)
		require.NoError(t, err, name)
		assert.Equal(t, constant.FilterNone, s.Filter, name)
		assert.True(t, s.IsRaw(), name)
	}

	s, err := UpgradeEditState([]byte(`{"videoURL":"a.mp4","duration":10,"filterName":" Warm "}`))
	require.NoError(t, err)
	assert.Equal(t, constant.FilterWarm, s.Filter)
}

func TestUpgradeCurrentEditState(t *testing.T) {
	s, err := UpgradeEditState([]byte(`{"schemaVersion":2,"sourcePath":"a.mp4","originalDuration":5,"trimEnd":5,"filterIntensity":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.FilterIntensity)
	assert.NotNil(t, s.Captions)
}

func TestUpgradeRejectsUnknownVersion(t *testing.T) {
	_, err := UpgradeEditState([]byte(`{"schemaVersion":9}`))
	assert.ErrorIs(t, err, ErrInvalidEditState)
	_, err = UpgradeEditState([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidEditState)
}

func TestExportArtifactNeedsBothFiles(t *testing.T) {
	_, err := NewExportArtifact("video.mp4", "", 3, 10)
	assert.ErrorIs(t, err, ErrIncompleteArtifact)

	a, err := NewExportArtifact("video.mp4", "video.jpg", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.SizeBytes)
}

func TestSegmentTotalDuration(t *testing.T) {
	segments := []RecordingSegment{{Duration: 1.5}, {Duration: 2.25}, {Duration: 4}}
	assert.InDelta(t, 7.75, TotalDuration(segments), 1e-9)
	assert.InDelta(t, 3.75, TotalDuration(segments[:2]), 1e-9)
	assert.Zero(t, TotalDuration(nil))
}
