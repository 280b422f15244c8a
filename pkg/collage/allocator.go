// Package collage splits a fixed collage duration across a main clip and its
// response clips.
//
// Allocations are clamped per clip and never renormalised, so the collage's
// real length may drift from Params.TotalDuration. Summary.Drift reports how
// far.
package collage

import (
	"fmt"
	"math"
	"stitch-media/constant"
	"stitch-media/entities"
)

// mainShare is the fraction of available time the main clip asks for under
// the main-weighted strategy.
const mainShare = 0.30

type Params struct {
	TotalDuration      float64 `json:"total_duration" validate:"gt=0"`
	WatermarkDuration  float64 `json:"watermark_duration" validate:"gte=0"`
	TransitionDuration float64 `json:"transition_duration" validate:"gte=0"`
	MinClip            float64 `json:"min_clip" validate:"gte=0"`
	MaxMainClip        float64 `json:"max_main_clip" validate:"gtefield=MinClip"`
}

func DefaultParams() Params {
	return Params{
		TotalDuration:      60,
		WatermarkDuration:  3,
		TransitionDuration: 0.5,
		MinClip:            5,
		MaxMainClip:        20,
	}
}

func ParseStrategy(s string) (constant.CollageStrategy, error) {
	switch constant.CollageStrategy(s) {
	case constant.StrategyEqual, constant.StrategyMainWeighted, constant.StrategyProportional:
		return constant.CollageStrategy(s), nil
	case "mainWeighted":
		return constant.StrategyMainWeighted, nil
	default:
		return "", fmt.Errorf("unknown collage strategy %q", s)
	}
}

// Budget is the time accounting shared by every strategy.
type Budget struct {
	Content   float64 `json:"content"`
	Overhead  float64 `json:"overhead"`
	Available float64 `json:"available"`
}

func budget(p Params, clipCount int) Budget {
	content := p.TotalDuration - p.WatermarkDuration
	overhead := 0.0
	if clipCount > 1 {
		overhead = p.TransitionDuration * float64(clipCount-1)
	}
	return Budget{Content: content, Overhead: overhead, Available: content - overhead}
}

// Allocate returns one duration per clip: index 0 is the main clip, followed
// by the responses in order. It returns nil when nothing fits.
func Allocate(p Params, strategy constant.CollageStrategy, mainDuration float64, responseDurations []float64) []float64 {
	clipCount := 1 + len(responseDurations)
	b := budget(p, clipCount)
	if b.Available <= 0 {
		return nil
	}

	switch strategy {
	case constant.StrategyMainWeighted:
		return mainWeighted(p, b.Available, len(responseDurations))
	case constant.StrategyProportional:
		originals := append([]float64{mainDuration}, responseDurations...)
		return proportional(p, b.Available, originals)
	default:
		return equal(p, b.Available, clipCount)
	}
}

func equal(p Params, available float64, clipCount int) []float64 {
	each := math.Max(p.MinClip, available/float64(clipCount))
	out := make([]float64, clipCount)
	for i := range out {
		out[i] = each
	}
	return out
}

func mainWeighted(p Params, available float64, responseCount int) []float64 {
	main := clamp(available*mainShare, p.MinClip, p.MaxMainClip)
	out := make([]float64, 0, responseCount+1)
	out = append(out, main)
	if responseCount == 0 {
		return out
	}
	each := math.Max(p.MinClip, (available-main)/float64(responseCount))
	for i := 0; i < responseCount; i++ {
		out = append(out, each)
	}
	return out
}

func proportional(p Params, available float64, originals []float64) []float64 {
	sum := 0.0
	for _, d := range originals {
		sum += d
	}
	if sum <= 0 {
		return equal(p, available, len(originals))
	}
	out := make([]float64, len(originals))
	for i, d := range originals {
		out[i] = clamp(available*(d/sum), p.MinClip, p.MaxMainClip)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Summary describes a planned collage.
type Summary struct {
	Budget
	Allocated float64 `json:"allocated"`
	Played    float64 `json:"played"`
	// Drift is the planned collage length minus Params.TotalDuration.
	Drift float64 `json:"drift"`
}

// Plan allocates durations onto clips in place. The clip flagged IsMain is
// treated as the main clip; without one the first clip is. Clips are
// reordered so the main clip comes first.
func Plan(p Params, strategy constant.CollageStrategy, clips []entities.CollageClip) ([]entities.CollageClip, Summary, error) {
	if len(clips) == 0 {
		return nil, Summary{}, fmt.Errorf("collage needs at least one clip")
	}

	ordered := make([]entities.CollageClip, 0, len(clips))
	mainIdx := 0
	for i, c := range clips {
		if c.IsMain {
			mainIdx = i
			break
		}
	}
	ordered = append(ordered, clips[mainIdx])
	ordered[0].IsMain = true
	responses := make([]float64, 0, len(clips)-1)
	for i, c := range clips {
		if i == mainIdx {
			continue
		}
		c.IsMain = false
		ordered = append(ordered, c)
		responses = append(responses, c.OriginalDuration)
	}

	alloc := Allocate(p, strategy, ordered[0].OriginalDuration, responses)
	b := budget(p, len(ordered))
	if alloc == nil {
		return nil, Summary{Budget: b}, fmt.Errorf("no time available: content %.2fs, transitions %.2fs", b.Content, b.Overhead)
	}

	s := Summary{Budget: b}
	for i := range ordered {
		ordered[i].AllocatedDuration = alloc[i]
		if ordered[i].TrimStart < 0 || ordered[i].TrimStart >= ordered[i].OriginalDuration {
			ordered[i].TrimStart = 0
		}
		s.Allocated += alloc[i]
		s.Played += ordered[i].PlayedDuration()
	}
	s.Drift = s.Played + b.Overhead + p.WatermarkDuration - p.TotalDuration
	return ordered, s, nil
}
