package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache metrics
var (
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_media_cache_lookups_total",
			Help: "Video cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_media_cache_evictions_total",
			Help: "Video cache entries evicted by reason",
		},
		[]string{"reason"},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_media_cache_bytes",
			Help: "Bytes currently held by the video cache",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_media_cache_entries",
			Help: "Entries currently held by the video cache",
		},
	)

	CacheActiveDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_media_cache_active_downloads",
			Help: "Video cache downloads in flight",
		},
	)

	CacheDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_media_cache_downloads_total",
			Help: "Video cache downloads by status",
		},
		[]string{"status"}, // "success", "error", "skipped"
	)
)

// Export metrics
var (
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_media_exports_total",
			Help: "Exports by mode and status",
		},
		[]string{"mode", "status"},
	)

	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stitch_media_export_duration_seconds",
			Help:    "Wall time spent exporting",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_media_merges_total",
			Help: "Segment merges by status",
		},
		[]string{"status"},
	)
)

// Compression metrics
var (
	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stitch_media_compressions_total",
			Help: "Background compressions by status",
		},
		[]string{"status"}, // "success", "skipped", "failed", "cancelled"
	)

	CompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stitch_media_compression_ratio",
			Help:    "Compressed size divided by original size",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)
)

// Recorder metrics
var (
	SegmentsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stitch_media_segments_recorded_total",
			Help: "Capture segments appended to a recording",
		},
	)

	AutoStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stitch_media_recorder_auto_stops_total",
			Help: "Segments stopped because the tier budget was reached",
		},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stitch_media_memory_usage_ratio",
			Help: "Heap in use divided by the configured limit",
		},
	)

	EmergencyCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stitch_media_emergency_cleanups_total",
			Help: "Emergency cache cleanups triggered by memory pressure",
		},
	)
)
