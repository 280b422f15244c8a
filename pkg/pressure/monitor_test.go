package pressure

import (
	"context"
	"github.com/stretchr/testify/assert"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckFiresOnRisingEdgeOnly(t *testing.T) {
	var alloc atomic.Uint64
	var fired atomic.Int32
	m := New(Config{LimitBytes: 1000, CriticalWatermark: 0.8, CheckInterval: time.Second},
		func(ctx context.Context) { fired.Add(1) },
		WithSampler(alloc.Load),
	)
	ctx := context.Background()

	alloc.Store(500)
	assert.InDelta(t, 0.5, m.Check(ctx), 1e-9)
	assert.False(t, m.Critical())

	alloc.Store(850)
	m.Check(ctx)
	m.Check(ctx)
	assert.True(t, m.Critical())
	assert.Equal(t, int32(1), fired.Load())

	// Still above the recovery band, so no re-arm.
	alloc.Store(750)
	m.Check(ctx)
	assert.True(t, m.Critical())

	alloc.Store(600)
	m.Check(ctx)
	assert.False(t, m.Critical())

	alloc.Store(900)
	m.Check(ctx)
	assert.Equal(t, int32(2), fired.Load())
}

func TestDisabledWithoutLimit(t *testing.T) {
	m := &Monitor{cfg: Config{CriticalWatermark: 0.8}}
	assert.False(t, m.Enabled())
	assert.Zero(t, m.Check(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Run(ctx)
}
