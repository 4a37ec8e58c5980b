// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ResolutionsTotal   prometheus.Counter
	MetadataHits       prometheus.Counter
	MetadataMisses     prometheus.Counter
	DedupSuppressed    prometheus.Counter
	DownloadsStarted   prometheus.Counter
	DownloadsSucceeded prometheus.Counter
	DownloadsFailed    prometheus.Counter
	MuxFailures        prometheus.Counter
	RefreshRuns        prometheus.Counter
	RefreshFailures    prometheus.Counter
	QRLogins           prometheus.Counter

	// Histograms (seconds)
	ResolveDuration  prometheus.Observer
	DownloadDuration prometheus.Observer

	// Gauges
	LoggedInGauge  prometheus.Gauge // 1=usable credential held, 0=anonymous
	DedupSizeGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ResolutionsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_resolutions_total", Help: "Messages that produced a video identity"})
		MetadataHits = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_metadata_hits_total", Help: "Metadata fetches that returned a record"})
		MetadataMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_metadata_misses_total", Help: "Metadata fetches that soft-missed"})
		DedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_dedup_suppressed_total", Help: "Resolutions suppressed by the dedup window"})
		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_downloads_started_total", Help: "Stream acquisitions started"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_downloads_succeeded_total", Help: "Stream acquisitions that produced a muxed file"})
		DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_downloads_failed_total", Help: "Stream acquisitions that failed or exceeded limits"})
		MuxFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_mux_failures_total", Help: "ffmpeg invocations with non-zero exit"})
		RefreshRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_cookie_refresh_runs_total", Help: "Cookie refresh attempts"})
		RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_cookie_refresh_failures_total", Help: "Cookie refresh attempts that aborted"})
		QRLogins = promauto.NewCounter(prometheus.CounterOpts{Name: "bilifetch_qr_logins_total", Help: "Successful QR logins"})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bilifetch_resolve_duration_seconds", Help: "End-to-end resolution duration seconds", Buckets: prometheus.DefBuckets})
		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bilifetch_download_duration_seconds", Help: "Download+mux duration seconds", Buckets: prometheus.DefBuckets})
		LoggedInGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bilifetch_logged_in", Help: "Usable credential held=1 anonymous=0"})
		DedupSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bilifetch_dedup_entries", Help: "Current dedup table size"})
	})
}

// SetLoggedIn flips the login gauge.
func SetLoggedIn(in bool) {
	if LoggedInGauge == nil {
		return
	}
	if in {
		LoggedInGauge.Set(1)
	} else {
		LoggedInGauge.Set(0)
	}
}

// SetDedupSize records the current dedup table size.
func SetDedupSize(n int) {
	if DedupSizeGauge != nil {
		DedupSizeGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
