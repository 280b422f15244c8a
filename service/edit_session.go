package service

import (
	"context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"math"
	"stitch-media/constant"
	"stitch-media/entities"
	"sync"
)

// EditSession owns the EditState of one recording together with the
// background compression of its source.
type EditSession struct {
	compressor BackgroundCompressor
	planner    ExportPlanner
	log        zerolog.Logger

	mu          sync.Mutex
	state       entities.EditState
	generation  uint64
	compression *CompressionJob
	// settled is closed once the latest compression has been folded into
	// the state or discarded.
	settled chan struct{}
}

func NewEditSession(state entities.EditState, compressor BackgroundCompressor, planner ExportPlanner, logger zerolog.Logger) *EditSession {
	if state.Captions == nil {
		state.Captions = []entities.Caption{}
	}
	return &EditSession{
		compressor: compressor,
		planner:    planner,
		log:        logger.With().Str("source", state.SourcePath).Logger(),
		state:      state,
	}
}

func (s *EditSession) Snapshot() entities.EditState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

func copyState(state entities.EditState) entities.EditState {
	captions := make([]entities.Caption, len(state.Captions))
	copy(captions, state.Captions)
	state.Captions = captions
	return state
}

func (s *EditSession) SetTrim(start, end float64) error {
	s.mu.Lock()
	wasRaw := s.state.IsRaw()
	prevStart, prevEnd := s.state.TrimStart, s.state.TrimEnd
	stale, err := s.state.SetTrim(start, end)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	moved := math.Abs(s.state.TrimStart-prevStart) > entities.TrimInvalidationThreshold ||
		math.Abs(s.state.TrimEnd-prevEnd) > entities.TrimInvalidationThreshold
	if moved {
		s.invalidateLocked()
	} else {
		stale = append(stale, s.rawAgainLocked(wasRaw)...)
	}
	s.mu.Unlock()

	removeFiles(stale...)
	return nil
}

func (s *EditSession) SetFilter(filter constant.Filter, intensity float64) {
	s.mu.Lock()
	wasRaw := s.state.IsRaw()
	s.state.SetFilter(filter, intensity)
	stale := s.rawAgainLocked(wasRaw)
	s.mu.Unlock()

	removeFiles(stale...)
}

func (s *EditSession) AddCaption(c entities.Caption) (entities.Caption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AddCaption(c)
}

func (s *EditSession) UpdateCaption(c entities.Caption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpdateCaption(c)
}

func (s *EditSession) RemoveCaption(id uuid.UUID) error {
	s.mu.Lock()
	wasRaw := s.state.IsRaw()
	if err := s.state.RemoveCaption(id); err != nil {
		s.mu.Unlock()
		return err
	}
	stale := s.rawAgainLocked(wasRaw)
	s.mu.Unlock()

	removeFiles(stale...)
	return nil
}

// rawAgainLocked invalidates derived outputs when an edit has just brought
// the state back to the raw capture, the same as ResetToRaw.
func (s *EditSession) rawAgainLocked(wasRaw bool) []string {
	if wasRaw || !s.state.IsRaw() {
		return nil
	}
	stale := s.state.Invalidate()
	s.invalidateLocked()
	return stale
}

// ResetToRaw drops every edit and every derived output.
func (s *EditSession) ResetToRaw() {
	s.mu.Lock()
	stale := s.state.ResetToRaw()
	s.invalidateLocked()
	s.mu.Unlock()

	removeFiles(stale...)
}

// Discard stops background work and deletes derived outputs. The source is
// left alone.
func (s *EditSession) Discard() {
	s.mu.Lock()
	stale := s.state.Invalidate()
	s.invalidateLocked()
	s.mu.Unlock()

	removeFiles(stale...)
}

// invalidateLocked bumps the generation so that running work can no longer
// publish into the state.
func (s *EditSession) invalidateLocked() {
	s.generation++
	if s.compression != nil {
		s.compression.Discard()
		s.compression = nil
	}
	s.log.Info().Uint64("generation", s.generation).Msg("derived outputs invalidated")
}

// StartCompression starts compressing the source. A compression already in
// flight for the current generation is returned as is.
func (s *EditSession) StartCompression(ctx context.Context) *CompressionJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compression != nil && !s.compression.Finished() {
		return s.compression
	}
	if s.compression != nil {
		// A finished job is superseded by the new one.
		s.compression = nil
	}

	gen := s.generation
	job := s.compressor.Start(ctx, s.state.SourcePath)
	s.compression = job
	s.state.CompressionComplete = false
	s.state.CompressionProgress = 0
	settled := make(chan struct{})
	s.settled = settled
	go func() {
		defer close(settled)
		s.watchCompression(gen, job)
	}()
	return job
}

// WaitCompression blocks until the latest compression has finished and its
// outcome is visible in the state. A failed compression is not an error.
func (s *EditSession) WaitCompression(ctx context.Context) error {
	s.mu.Lock()
	settled := s.settled
	s.mu.Unlock()
	if settled == nil {
		return nil
	}
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EditSession) watchCompression(gen uint64, job *CompressionJob) {
	for p := range job.Updates() {
		s.mu.Lock()
		if gen == s.generation {
			s.state.CompressionProgress = p
		}
		s.mu.Unlock()
	}

	res, err := job.Wait(context.Background())

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		if err == nil && !res.Skipped {
			removeFiles(res.Path)
		}
		return
	}
	if s.compression == job {
		s.compression = nil
	}
	if err != nil {
		s.state.CompressionProgress = 0
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("compression did not complete, exports will use the source")
		return
	}

	previous := s.state.CompressedOutput
	s.state.CompressedOutput = res.Path
	s.state.CompressionComplete = true
	s.state.CompressionProgress = 1
	s.state.OriginalSize = res.OriginalSize
	s.state.CompressedSize = res.CompressedSize
	s.mu.Unlock()

	if previous != "" && previous != res.Path && previous != s.state.SourcePath {
		removeFiles(previous)
	}
	s.log.Info().Str("output", res.Path).Bool("skipped", res.Skipped).Int64("compressed_size", res.CompressedSize).Msg("compression complete")
}

// ExportSource is the file an export reads from: the compressed output when
// it is complete, the source otherwise.
func ExportSource(state entities.EditState) string {
	if state.CompressionComplete && state.CompressedOutput != "" {
		return state.CompressedOutput
	}
	return state.SourcePath
}

// Export renders the current edit and records the result as the processed
// output.
func (s *EditSession) Export(ctx context.Context, tier constant.Tier, progress func(float64)) (*entities.ExportArtifact, error) {
	s.mu.Lock()
	state := copyState(s.state)
	gen := s.generation
	s.state.IsProcessing = true
	s.state.ProcessingProgress = 0
	s.mu.Unlock()

	artifact, err := s.planner.Export(ctx, ExportRequest{
		State:  state,
		Source: ExportSource(state),
		Tier:   tier,
	}, func(p float64) {
		s.mu.Lock()
		if gen == s.generation {
			s.state.ProcessingProgress = p
		}
		s.mu.Unlock()
		if progress != nil {
			progress(p)
		}
	})

	s.mu.Lock()
	s.state.IsProcessing = false
	if err != nil {
		s.state.ProcessingProgress = 0
		s.mu.Unlock()
		return nil, err
	}
	var previous string
	if gen == s.generation {
		previous = s.state.ProcessedOutput
		s.state.ProcessedOutput = artifact.VideoPath
		s.state.ProcessingProgress = 1
	}
	s.mu.Unlock()

	if previous != "" && previous != artifact.VideoPath && previous != state.SourcePath {
		removeFiles(previous)
	}
	return artifact, nil
}
