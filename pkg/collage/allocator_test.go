package collage

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stitch-media/constant"
	"stitch-media/entities"
	"testing"
)

const delta = 1e-9

func TestAllocateMainWeighted(t *testing.T) {
	p := DefaultParams()

	got := Allocate(p, constant.StrategyMainWeighted, 30, []float64{25, 40})

	require.Len(t, got, 3)
	assert.InDelta(t, 16.8, got[0], delta)
	assert.InDelta(t, 19.6, got[1], delta)
	assert.InDelta(t, 19.6, got[2], delta)

	b := budget(p, 3)
	assert.InDelta(t, 57.0, b.Content, delta)
	assert.InDelta(t, 1.0, b.Overhead, delta)
	assert.InDelta(t, 56.0, b.Available, delta)
}

func TestAllocateMainWeightedClampsMain(t *testing.T) {
	p := DefaultParams()
	p.TotalDuration = 200

	got := Allocate(p, constant.StrategyMainWeighted, 30, []float64{10})

	require.Len(t, got, 2)
	assert.InDelta(t, 20.0, got[0], delta)
	assert.InDelta(t, 200-3-0.5-20, got[1], delta)
}

func TestAllocateMainOnly(t *testing.T) {
	got := Allocate(DefaultParams(), constant.StrategyMainWeighted, 30, nil)
	require.Len(t, got, 1)
	assert.InDelta(t, 57*0.30, got[0], delta)
}

func TestAllocateEqual(t *testing.T) {
	tests := []struct {
		name      string
		responses []float64
		want      float64
	}{
		{"two clips", []float64{10}, (57 - 0.5) / 2},
		{"four clips", []float64{10, 10, 10}, (57 - 1.5) / 4},
		{"floor applies", make([]float64, 19), 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(DefaultParams(), constant.StrategyEqual, 10, tt.responses)
			require.Len(t, got, len(tt.responses)+1)
			for _, d := range got {
				assert.InDelta(t, tt.want, d, delta)
			}
		})
	}
}

func TestAllocateProportional(t *testing.T) {
	p := DefaultParams()

	got := Allocate(p, constant.StrategyProportional, 10, []float64{30, 60})

	require.Len(t, got, 3)
	assert.InDelta(t, 5.6, got[0], delta)
	assert.InDelta(t, 16.8, got[1], delta)
	assert.InDelta(t, 20.0, got[2], delta, "clamped to max")
}

func TestAllocateProportionalZeroDurationsFallsBackToEqual(t *testing.T) {
	got := Allocate(DefaultParams(), constant.StrategyProportional, 0, []float64{0})
	require.Len(t, got, 2)
	assert.InDelta(t, 28.25, got[0], delta)
	assert.InDelta(t, 28.25, got[1], delta)
}

func TestAllocateNoAvailableTime(t *testing.T) {
	p := DefaultParams()
	p.TotalDuration = 3

	assert.Empty(t, Allocate(p, constant.StrategyEqual, 10, []float64{10}))

	p = DefaultParams()
	p.TransitionDuration = 10
	assert.Empty(t, Allocate(p, constant.StrategyEqual, 10, make([]float64, 6)))
}

func TestAllocateDoesNotRenormalise(t *testing.T) {
	got := Allocate(DefaultParams(), constant.StrategyEqual, 10, make([]float64, 19))

	sum := 0.0
	for _, d := range got {
		sum += d
	}
	assert.Greater(t, sum, 57.0-0.5*19)
}

func TestPlanOrdersMainFirstAndDerivesTrimEnd(t *testing.T) {
	clips := []entities.CollageClip{
		{SourceID: "r1", OriginalDuration: 8},
		{SourceID: "main", OriginalDuration: 40, IsMain: true, TrimStart: 2},
		{SourceID: "r2", OriginalDuration: 50},
	}

	planned, summary, err := Plan(DefaultParams(), constant.StrategyMainWeighted, clips)
	require.NoError(t, err)
	require.Len(t, planned, 3)

	assert.Equal(t, "main", planned[0].SourceID)
	assert.True(t, planned[0].IsMain)
	assert.InDelta(t, 18.8, planned[0].TrimEnd(), delta)

	assert.Equal(t, "r1", planned[1].SourceID)
	assert.InDelta(t, 19.6, planned[1].AllocatedDuration, delta)
	assert.InDelta(t, 8.0, planned[1].TrimEnd(), delta, "clamped to original")

	assert.InDelta(t, 56.0, summary.Available, delta)
	assert.InDelta(t, 16.8+8+19.6, summary.Played, delta)
	assert.InDelta(t, summary.Played+1+3-60, summary.Drift, delta)
}

func TestPlanWithoutMainUsesFirst(t *testing.T) {
	planned, _, err := Plan(DefaultParams(), constant.StrategyEqual, []entities.CollageClip{
		{SourceID: "a", OriginalDuration: 30},
		{SourceID: "b", OriginalDuration: 30},
	})
	require.NoError(t, err)
	assert.True(t, planned[0].IsMain)
	assert.Equal(t, "a", planned[0].SourceID)
}

func TestPlanErrors(t *testing.T) {
	_, _, err := Plan(DefaultParams(), constant.StrategyEqual, nil)
	assert.Error(t, err)

	p := DefaultParams()
	p.TotalDuration = 2
	_, _, err = Plan(p, constant.StrategyEqual, []entities.CollageClip{{SourceID: "a", OriginalDuration: 3}})
	assert.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]constant.CollageStrategy{
		"equal":         constant.StrategyEqual,
		"main_weighted": constant.StrategyMainWeighted,
		"mainWeighted":  constant.StrategyMainWeighted,
		"proportional":  constant.StrategyProportional,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseStrategy("random")
	assert.Error(t, err)
}
