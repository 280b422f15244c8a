package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"os"
	"path/filepath"
	"stitch-media/constant"
	"stitch-media/entities"
	"stitch-media/pkg/metrics"
	"sync"
	"time"
)

var ErrNoSegments = errors.New("no recorded segments")

// CaptureDevice is the camera collaborator. Start and Stop only trigger the
// hardware; the finished file arrives through HandleCaptureCompletion.
type CaptureDevice interface {
	Start(ctx context.Context, path string) error
	Stop(ctx context.Context) error
}

// CaptureResult is what the device reports when a segment ends.
type CaptureResult struct {
	Path     string
	Duration float64
	Err      error
}

type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type FinishResult struct {
	Path        string
	Duration    float64
	Context     entities.RecordingContext
	Compression *CompressionJob
}

// RecorderState is a point-in-time copy of the recorder.
type RecorderState struct {
	Phase         constant.RecorderPhase
	Message       string
	Segments      []entities.RecordingSegment
	TotalDuration float64
	Limit         float64
	Limited       bool
	Saving        bool
	Result        *FinishResult
}

// Remaining is the budget left for new segments. It is meaningless for
// unlimited tiers.
func (s RecorderState) Remaining() float64 {
	return s.Limit - s.TotalDuration
}

type RecorderOptions struct {
	Dir  string
	Tier constant.Tier
	// Context defaults to a standalone post.
	Context    entities.RecordingContext
	Device     CaptureDevice
	Composer   MediaComposer
	Compressor BackgroundCompressor
	Clock      Clock
	Logger     *zerolog.Logger
}

// SegmentRecorder owns the segments of one recording until they are merged.
type SegmentRecorder struct {
	dir        string
	device     CaptureDevice
	composer   MediaComposer
	compressor BackgroundCompressor
	clock      Clock
	context    entities.RecordingContext
	log        zerolog.Logger
	limit      float64
	limited    bool

	mu        sync.Mutex
	phase     constant.RecorderPhase
	message   string
	segments  []entities.RecordingSegment
	saving    bool
	pending   string
	startedAt time.Time
	timer     Timer
	result    *FinishResult
	events    chan RecorderState
}

func NewSegmentRecorder(opts RecorderOptions) *SegmentRecorder {
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	recordingContext := opts.Context
	if recordingContext == nil {
		recordingContext = entities.PostContext{}
	}
	limit, limited := opts.Tier.MaxDuration()
	return &SegmentRecorder{
		dir:        opts.Dir,
		device:     opts.Device,
		composer:   opts.Composer,
		compressor: opts.Compressor,
		clock:      clock,
		context:    recordingContext,
		log:        logger.With().Str("tier", string(opts.Tier)).Str("context", recordingContext.Kind()).Logger(),
		limit:      limit,
		limited:    limited,
		phase:      constant.PhaseReady,
		events:     make(chan RecorderState, 1),
	}
}

// Events delivers state snapshots. Only the latest unread snapshot is kept.
func (r *SegmentRecorder) Events() <-chan RecorderState {
	return r.events
}

func (r *SegmentRecorder) Snapshot() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *SegmentRecorder) snapshotLocked() RecorderState {
	segments := make([]entities.RecordingSegment, len(r.segments))
	copy(segments, r.segments)
	var result *FinishResult
	if r.result != nil {
		c := *r.result
		result = &c
	}
	return RecorderState{
		Phase:         r.phase,
		Message:       r.message,
		Segments:      segments,
		TotalDuration: entities.TotalDuration(r.segments),
		Limit:         r.limit,
		Limited:       r.limited,
		Saving:        r.saving,
		Result:        result,
	}
}

func (r *SegmentRecorder) emitLocked() {
	s := r.snapshotLocked()
	select {
	case <-r.events:
	default:
	}
	select {
	case r.events <- s:
	default:
	}
}

func (r *SegmentRecorder) failLocked(err error) {
	r.phase = constant.PhaseError
	r.message = err.Error()
	r.saving = false
	r.pending = ""
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.emitLocked()
}

// StartSegment begins capturing a new segment.
func (r *SegmentRecorder) StartSegment(ctx context.Context) error {
	if r.device == nil {
		return fmt.Errorf("%w: recorder has no capture device", ErrInvalidTransition)
	}
	r.mu.Lock()
	if r.phase != constant.PhaseReady || r.saving {
		phase := r.phase
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start recording while %s", ErrInvalidTransition, phase)
	}

	total := entities.TotalDuration(r.segments)
	remaining := r.limit - total
	if r.limited && remaining <= 0 {
		r.mu.Unlock()
		return &ValidationError{Limit: r.limit, Actual: total}
	}

	path := filepath.Join(r.dir, uuid.NewString()+".mp4")
	r.phase = constant.PhaseRecording
	r.message = ""
	r.pending = path
	r.startedAt = r.clock.Now()
	if r.limited {
		r.timer = r.clock.AfterFunc(seconds(remaining), r.autoStop)
	}
	r.emitLocked()
	r.mu.Unlock()

	r.log.Info().Str("path", path).Float64("remaining", remaining).Msg("starting segment")
	if err := r.device.Start(ctx, path); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.failLocked(err)
		return fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return nil
}

func (r *SegmentRecorder) autoStop() {
	metrics.AutoStops.Inc()
	r.log.Info().Msg("duration budget reached, stopping segment")
	if err := r.StopSegment(context.Background()); err != nil && !errors.Is(err, ErrInvalidTransition) {
		r.log.Error().Err(err).Msg("failed to auto-stop segment")
	}
}

// StopSegment asks the device to end the current segment.
func (r *SegmentRecorder) StopSegment(ctx context.Context) error {
	r.mu.Lock()
	if r.phase != constant.PhaseRecording {
		phase := r.phase
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidTransition, phase)
	}
	r.phase = constant.PhaseStopping
	r.saving = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.emitLocked()
	r.mu.Unlock()

	if err := r.device.Stop(ctx); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.failLocked(err)
		return fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return nil
}

// HandleCaptureCompletion records the segment the device finished writing.
func (r *SegmentRecorder) HandleCaptureCompletion(res CaptureResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != constant.PhaseRecording && r.phase != constant.PhaseStopping {
		return fmt.Errorf("%w: unexpected capture completion while %s", ErrInvalidTransition, r.phase)
	}

	if res.Err != nil || res.Path == "" {
		err := res.Err
		if err == nil {
			err = errors.New("device returned no file")
		}
		r.log.Error().Err(err).Str("path", r.pending).Msg("capture failed")
		r.failLocked(err)
		return fmt.Errorf("%w: %w", ErrCapture, err)
	}

	duration := res.Duration
	if duration <= 0 {
		duration = r.clock.Now().Sub(r.startedAt).Seconds()
	}
	if r.limited {
		if remaining := r.limit - entities.TotalDuration(r.segments); duration > remaining {
			duration = remaining
		}
	}

	segment := entities.RecordingSegment{
		ID:         uuid.New(),
		Path:       res.Path,
		Duration:   duration,
		CapturedAt: r.startedAt,
	}
	r.segments = append(r.segments, segment)
	r.phase = constant.PhaseReady
	r.saving = false
	r.pending = ""
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	metrics.SegmentsRecorded.Inc()
	r.log.Info().Str("path", segment.Path).Float64("duration", duration).Int("segments", len(r.segments)).Msg("segment recorded")
	r.emitLocked()
	return nil
}

// AddSegments appends segments captured elsewhere, such as files a device
// uploaded. Unlike live capture nothing is clamped: when the segments do not
// fit the remaining budget none of them are added.
func (r *SegmentRecorder) AddSegments(segments ...entities.RecordingSegment) error {
	r.mu.Lock()
	if r.busyLocked() {
		phase := r.phase
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot add segments while %s", ErrInvalidTransition, phase)
	}
	for i, s := range segments {
		if s.Path == "" || s.Duration <= 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: segment %d has no file or duration", ErrValidation, i)
		}
	}
	total := entities.TotalDuration(r.segments) + entities.TotalDuration(segments)
	if err := checkBudget(total, r.limit, r.limited); err != nil {
		r.mu.Unlock()
		return err
	}

	for _, s := range segments {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		r.segments = append(r.segments, s)
	}
	stale := r.dropResultLocked()
	r.phase = constant.PhaseReady
	r.emitLocked()
	r.mu.Unlock()

	removeFiles(stale...)
	r.log.Info().Int("added", len(segments)).Float64("total", total).Msg("segments added")
	return nil
}

// DeleteNewestSegment removes the last recorded segment and its file.
func (r *SegmentRecorder) DeleteNewestSegment() error {
	r.mu.Lock()
	if r.busyLocked() {
		phase := r.phase
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot delete a segment while %s", ErrInvalidTransition, phase)
	}
	if len(r.segments) == 0 {
		r.mu.Unlock()
		return ErrNoSegments
	}

	last := r.segments[len(r.segments)-1]
	r.segments = r.segments[:len(r.segments)-1]
	stale := r.dropResultLocked()
	r.phase = constant.PhaseReady
	r.message = ""
	r.emitLocked()
	r.mu.Unlock()

	removeFiles(append(stale, last.Path)...)
	return nil
}

// Finish merges the segments and starts compressing the merged file.
func (r *SegmentRecorder) Finish(ctx context.Context) (*FinishResult, error) {
	r.mu.Lock()
	if r.busyLocked() {
		phase := r.phase
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot finish while %s", ErrInvalidTransition, phase)
	}
	if len(r.segments) == 0 {
		r.mu.Unlock()
		return nil, ErrNoSegments
	}
	total := entities.TotalDuration(r.segments)
	if err := checkBudget(total, r.limit, r.limited); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	segments := make([]entities.RecordingSegment, len(r.segments))
	copy(segments, r.segments)
	stale := r.dropResultLocked()
	r.phase = constant.PhaseMerging
	r.message = ""
	r.emitLocked()
	r.mu.Unlock()

	removeFiles(stale...)

	output := filepath.Join(r.dir, uuid.NewString()+"-merged.mp4")
	merged, err := r.composer.Merge(ctx, segments, output)
	if err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.failLocked(err)
		return nil, err
	}

	result := &FinishResult{Path: merged.Path, Duration: total, Context: r.context}
	if r.compressor != nil {
		// Compression outlives the request that finished the recording.
		result.Compression = r.compressor.Start(context.WithoutCancel(ctx), merged.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = constant.PhaseComplete
	r.result = result
	r.emitLocked()
	r.log.Info().Str("path", merged.Path).Float64("duration", total).Msg("recording finished")
	out := *result
	return &out, nil
}

// Discard deletes every segment and derived output and resets to ready.
func (r *SegmentRecorder) Discard() error {
	r.mu.Lock()
	if r.busyLocked() {
		phase := r.phase
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot discard while %s", ErrInvalidTransition, phase)
	}

	files := make([]string, 0, len(r.segments)+1)
	for _, s := range r.segments {
		files = append(files, s.Path)
	}
	files = append(files, r.dropResultLocked()...)
	r.segments = nil
	r.phase = constant.PhaseReady
	r.message = ""
	r.emitLocked()
	r.mu.Unlock()

	removeFiles(files...)
	return nil
}

// Acknowledge clears an error. Segments recorded before the error are kept.
func (r *SegmentRecorder) Acknowledge() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != constant.PhaseError {
		return fmt.Errorf("%w: nothing to acknowledge while %s", ErrInvalidTransition, r.phase)
	}
	r.phase = constant.PhaseReady
	r.message = ""
	r.emitLocked()
	return nil
}

// busyLocked reports whether segments may not change. An error must be
// acknowledged first.
func (r *SegmentRecorder) busyLocked() bool {
	switch r.phase {
	case constant.PhaseRecording, constant.PhaseStopping, constant.PhaseMerging, constant.PhaseError:
		return true
	}
	return r.saving
}

// dropResultLocked forgets the merged output, cancelling its compression, and
// returns the merged file when it is not one of the segments.
func (r *SegmentRecorder) dropResultLocked() []string {
	if r.result == nil {
		return nil
	}
	if r.result.Compression != nil {
		r.result.Compression.Discard()
	}
	path := r.result.Path
	r.result = nil
	for _, s := range r.segments {
		if s.Path == path {
			return nil
		}
	}
	return []string{path}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func removeFiles(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove file")
		}
	}
}
