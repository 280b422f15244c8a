package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"math"
	"stitch-media/constant"
	"strings"
)

const (
	EditStateVersion = 2

	// TrimInvalidationThreshold is how far, in seconds, a trim bound may move
	// before derived outputs no longer represent the edit.
	TrimInvalidationThreshold = 0.5

	// trimTolerance absorbs float noise when deciding whether a trim is at
	// the full bounds of the source.
	trimTolerance = 0.05
)

var (
	ErrInvalidTrim       = errors.New("invalid trim range")
	ErrCaptionOutOfRange = errors.New("caption starts outside trim range")
	ErrCaptionNotFound   = errors.New("caption not found")
	ErrInvalidCaption    = errors.New("invalid caption")
	// ErrInvalidEditState is returned for stored documents that cannot be
	// decoded or upgraded.
	ErrInvalidEditState = errors.New("invalid stored edit state")
)

type Caption struct {
	ID        uuid.UUID                `json:"id"`
	Text      string                   `json:"text"`
	StartTime float64                  `json:"startTime"`
	Duration  float64                  `json:"duration"`
	Position  constant.CaptionPosition `json:"position"`
	Style     constant.CaptionStyle    `json:"style"`
}

func (c Caption) EndTime() float64 {
	return c.StartTime + c.Duration
}

// EditState is the mutable edit record of one recording.
type EditState struct {
	SchemaVersion    int     `json:"schemaVersion"`
	SourcePath       string  `json:"sourcePath"`
	OriginalDuration float64 `json:"originalDuration"`
	TrimStart        float64 `json:"trimStart"`
	TrimEnd          float64 `json:"trimEnd"`

	Filter          constant.Filter `json:"filter,omitempty"`
	FilterIntensity float64         `json:"filterIntensity"`

	Captions []Caption `json:"captions"`

	IsProcessing       bool    `json:"isProcessing"`
	ProcessingProgress float64 `json:"processingProgress"`
	ProcessedOutput    string  `json:"processedOutput,omitempty"`

	CompressedOutput    string  `json:"compressedOutput,omitempty"`
	CompressionComplete bool    `json:"compressionComplete"`
	CompressionProgress float64 `json:"compressionProgress"`
	OriginalSize        int64   `json:"originalSize"`
	CompressedSize      int64   `json:"compressedSize"`
}

func NewEditState(sourcePath string, duration float64) EditState {
	return EditState{
		SchemaVersion:    EditStateVersion,
		SourcePath:       sourcePath,
		OriginalDuration: duration,
		TrimStart:        0,
		TrimEnd:          duration,
		FilterIntensity:  1,
		Captions:         []Caption{},
	}
}

func (s EditState) Validate() error {
	if s.SourcePath == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidTrim)
	}
	if s.TrimStart < 0 || s.TrimEnd > s.OriginalDuration || s.TrimEnd < s.TrimStart {
		return fmt.Errorf("%w: [%.2f, %.2f] of %.2f", ErrInvalidTrim, s.TrimStart, s.TrimEnd, s.OriginalDuration)
	}
	for _, c := range s.Captions {
		if c.StartTime < s.TrimStart || c.StartTime > s.TrimEnd {
			return fmt.Errorf("%w: caption %s at %.2f", ErrCaptionOutOfRange, c.ID, c.StartTime)
		}
	}
	return nil
}

// IsTrimmed reports whether the trim range is narrower than the source.
func (s EditState) IsTrimmed() bool {
	return s.TrimStart > trimTolerance || s.TrimEnd < s.OriginalDuration-trimTolerance
}

func (s EditState) TrimmedDuration() float64 {
	return s.TrimEnd - s.TrimStart
}

func (s EditState) HasFilter() bool {
	return s.Filter != constant.FilterNone
}

func (s EditState) HasCaptions() bool {
	return len(s.Captions) > 0
}

// IsRaw reports whether the state is indistinguishable from the raw capture.
func (s EditState) IsRaw() bool {
	return !s.IsTrimmed() && !s.HasFilter() && !s.HasCaptions()
}

// SetTrim moves the trim bounds. When either bound moves by more than
// TrimInvalidationThreshold the derived outputs are invalidated and their
// paths returned for deletion. Captions that no longer start inside the range
// are dropped.
func (s *EditState) SetTrim(start, end float64) (stale []string, err error) {
	if start < 0 || end > s.OriginalDuration+trimTolerance || end < start {
		return nil, fmt.Errorf("%w: [%.2f, %.2f] of %.2f", ErrInvalidTrim, start, end, s.OriginalDuration)
	}
	end = math.Min(end, s.OriginalDuration)

	moved := math.Abs(start-s.TrimStart) > TrimInvalidationThreshold ||
		math.Abs(end-s.TrimEnd) > TrimInvalidationThreshold

	s.TrimStart = start
	s.TrimEnd = end

	kept := s.Captions[:0]
	for _, c := range s.Captions {
		if c.StartTime >= start && c.StartTime <= end {
			kept = append(kept, c)
		}
	}
	s.Captions = kept

	if moved {
		stale = s.Invalidate()
	}
	return stale, nil
}

// SetFilter selects a filter. Intensity is clamped to [0, 1].
func (s *EditState) SetFilter(filter constant.Filter, intensity float64) {
	s.Filter = filter
	s.FilterIntensity = math.Max(0, math.Min(1, intensity))
}

func (s *EditState) AddCaption(c Caption) (Caption, error) {
	if err := s.checkCaption(c); err != nil {
		return Caption{}, err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Position == "" {
		c.Position = constant.CaptionBottom
	}
	if c.Style == "" {
		c.Style = constant.CaptionStyleStandard
	}
	s.Captions = append(s.Captions, c)
	return c, nil
}

func (s *EditState) UpdateCaption(c Caption) error {
	if err := s.checkCaption(c); err != nil {
		return err
	}
	for i := range s.Captions {
		if s.Captions[i].ID == c.ID {
			s.Captions[i] = c
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCaptionNotFound, c.ID)
}

func (s *EditState) RemoveCaption(id uuid.UUID) error {
	for i := range s.Captions {
		if s.Captions[i].ID == id {
			s.Captions = append(s.Captions[:i], s.Captions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCaptionNotFound, id)
}

func (s EditState) checkCaption(c Caption) error {
	if c.Text == "" || c.Duration <= 0 {
		return fmt.Errorf("%w: empty text or non-positive duration", ErrInvalidCaption)
	}
	if c.StartTime < s.TrimStart || c.StartTime > s.TrimEnd {
		return fmt.Errorf("%w: %.2f not in [%.2f, %.2f]", ErrCaptionOutOfRange, c.StartTime, s.TrimStart, s.TrimEnd)
	}
	return nil
}

// ResetToRaw drops every edit and invalidates derived outputs.
func (s *EditState) ResetToRaw() []string {
	s.TrimStart = 0
	s.TrimEnd = s.OriginalDuration
	s.Filter = constant.FilterNone
	s.FilterIntensity = 1
	s.Captions = []Caption{}
	return s.Invalidate()
}

// Invalidate clears processed and compressed outputs and returns the files
// that should be deleted. The source file is never returned.
func (s *EditState) Invalidate() []string {
	var stale []string
	for _, p := range []string{s.ProcessedOutput, s.CompressedOutput} {
		if p != "" && p != s.SourcePath {
			stale = append(stale, p)
		}
	}
	s.IsProcessing = false
	s.ProcessingProgress = 0
	s.ProcessedOutput = ""
	s.CompressedOutput = ""
	s.CompressionComplete = false
	s.CompressionProgress = 0
	s.CompressedSize = 0
	return stale
}

// editStateV1 is the layout written before captions, filter intensity and
// compression tracking existed.
type editStateV1 struct {
	VideoURL     string  `json:"videoURL"`
	Duration     float64 `json:"duration"`
	TrimStart    float64 `json:"trimStart"`
	TrimEnd      float64 `json:"trimEnd"`
	FilterName   string  `json:"filterName"`
	ProcessedURL string  `json:"processedURL"`
}

// legacyFilter maps a v1 filter name onto a current filter. The old "no
// filter" names and anything unrecognised map to FilterNone.
func legacyFilter(name string) constant.Filter {
	switch f := constant.Filter(strings.ToLower(strings.TrimSpace(name))); f {
	case constant.FilterVivid, constant.FilterMono, constant.FilterWarm,
		constant.FilterCool, constant.FilterVintage, constant.FilterDramatic:
		return f
	default:
		return constant.FilterNone
	}
}

// UpgradeEditState decodes a stored edit state of any known schema version
// and returns it in the current layout.
func UpgradeEditState(raw []byte) (*EditState, error) {
	var head struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEditState, err)
	}

	switch head.SchemaVersion {
	case 0, 1:
		var old editStateV1
		if err := json.Unmarshal(raw, &old); err != nil {
			return nil, fmt.Errorf("%w: v1: %w", ErrInvalidEditState, err)
		}
		s := NewEditState(old.VideoURL, old.Duration)
		s.TrimStart = old.TrimStart
		s.TrimEnd = old.TrimEnd
		if s.TrimEnd == 0 {
			s.TrimEnd = old.Duration
		}
		s.Filter = legacyFilter(old.FilterName)
		s.ProcessedOutput = old.ProcessedURL
		return &s, nil
	case EditStateVersion:
		var s EditState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEditState, err)
		}
		if s.Captions == nil {
			s.Captions = []Caption{}
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrInvalidEditState, head.SchemaVersion)
	}
}
