// Package pressure watches heap usage against a soft limit and runs an
// emergency action when usage crosses the critical watermark.
package pressure

import (
	"context"
	"github.com/rs/zerolog"
	"runtime"
	"runtime/debug"
	"stitch-media/pkg/metrics"
	"sync"
	"time"
)

type Config struct {
	// LimitBytes is the soft limit. Zero falls back to GOMEMLIMIT.
	LimitBytes        int64
	CriticalWatermark float64
	CheckInterval     time.Duration
}

// recoveryFactor re-arms the monitor once usage drops this far below the
// critical watermark.
const recoveryFactor = 0.9

type Monitor struct {
	cfg      Config
	limit    int64
	sample   func() uint64
	onAlarm  func(ctx context.Context)
	mu       sync.Mutex
	current  uint64
	critical bool
}

type Option func(*Monitor)

// WithSampler replaces the heap reading, for tests.
func WithSampler(f func() uint64) Option {
	return func(m *Monitor) { m.sample = f }
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// New builds a monitor that calls onCritical each time usage enters the
// critical zone.
func New(cfg Config, onCritical func(ctx context.Context), opts ...Option) *Monitor {
	limit := cfg.LimitBytes
	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < 1<<62 {
			limit = goMemLimit
		}
	}
	m := &Monitor{cfg: cfg, limit: limit, sample: heapAlloc, onAlarm: onCritical}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether a limit is known.
func (m *Monitor) Enabled() bool {
	return m.limit > 0
}

// Run checks usage every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if !m.Enabled() {
		zerolog.Ctx(ctx).Warn().Msg("no memory limit configured, pressure monitor disabled")
		return
	}
	zerolog.Ctx(ctx).Info().Int64("limit", m.limit).Float64("critical", m.cfg.CriticalWatermark).Msg("pressure monitor started")

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check samples usage once and fires the alarm on a rising edge.
func (m *Monitor) Check(ctx context.Context) float64 {
	if !m.Enabled() {
		return 0
	}
	current := m.sample()
	usage := float64(current) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	m.mu.Lock()
	m.current = current
	fire := false
	switch {
	case usage >= m.cfg.CriticalWatermark && !m.critical:
		m.critical = true
		fire = true
	case usage < m.cfg.CriticalWatermark*recoveryFactor && m.critical:
		m.critical = false
		zerolog.Ctx(ctx).Info().Float64("usage", usage).Msg("memory pressure recovered")
	}
	m.mu.Unlock()

	if fire {
		zerolog.Ctx(ctx).Warn().Float64("usage", usage).Uint64("alloc", current).Msg("memory critical, running emergency cleanup")
		metrics.EmergencyCleanups.Inc()
		if m.onAlarm != nil {
			m.onAlarm(ctx)
		}
		go runtime.GC()
	}
	return usage
}

// Critical reports whether the last check was in the critical zone.
func (m *Monitor) Critical() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.critical
}
