package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what the mirror pipeline reports into.
type Recorder interface {
	ObservePass(result string, duration time.Duration)
	IncRecordWrites(n int)
	IncDateOutcome(outcome string, n int)
	IncShortCircuit()
	IncDownloads(result string)
	SetPendingVideos(n int)
	IncStoreErrors(op string)
	IncCacheHits()
	IncCacheMisses()
}

// Pass results.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Date outcomes.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
)

type Provider struct {
	passTotal     *prometheus.CounterVec
	passDuration  prometheus.Histogram
	recordWrites  prometheus.Counter
	dateOutcomes  *prometheus.CounterVec
	shortCircuits prometheus.Counter
	downloads     *prometheus.CounterVec
	pending       prometheus.Gauge
	storeErrors   *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

func (m *Provider) ObservePass(result string, duration time.Duration) {
	m.passTotal.WithLabelValues(result).Inc()
	m.passDuration.Observe(duration.Seconds())
}

func (m *Provider) IncRecordWrites(n int) {
	m.recordWrites.Add(float64(n))
}

func (m *Provider) IncDateOutcome(outcome string, n int) {
	m.dateOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Provider) IncShortCircuit() {
	m.shortCircuits.Inc()
}

func (m *Provider) IncDownloads(result string) {
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Provider) SetPendingVideos(n int) {
	m.pending.Set(float64(n))
}

func (m *Provider) IncStoreErrors(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Provider) IncCacheHits() {
	m.cacheHits.Inc()
}

func (m *Provider) IncCacheMisses() {
	m.cacheMisses.Inc()
}

// New registers the collectors on reg and returns a Recorder. When enabled
// is false a no-op Recorder is returned and nothing is registered.
func New(enabled bool, reg prometheus.Registerer) Recorder {
	if !enabled {
		return Noop()
	}
	f := promauto.With(reg)

	return &Provider{
		passTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwmirror_passes_total",
			Help: "Total number of mirror passes by result",
		}, []string{"result"}),

		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hwmirror_pass_duration_seconds",
			Help:    "Duration of one mirror pass in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		recordWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "hwmirror_record_writes_total",
			Help: "Total number of record writes issued to the store",
		}),

		dateOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwmirror_dates_total",
			Help: "Per-date reconciliation outcomes",
		}, []string{"outcome"}),

		shortCircuits: f.NewCounter(prometheus.CounterOpts{
			Name: "hwmirror_short_circuits_total",
			Help: "Passes that ended early because the calendar was unchanged",
		}),

		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwmirror_video_downloads_total",
			Help: "Video download attempts by result",
		}, []string{"result"}),

		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "hwmirror_videos_pending",
			Help: "Outstanding video references after the last pass",
		}),

		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwmirror_store_errors_total",
			Help: "Store failures by operation",
		}, []string{"op"}),

		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "hwmirror_web_cache_hits_total",
			Help: "Total number of status API cache hits",
		}),

		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "hwmirror_web_cache_misses_total",
			Help: "Total number of status API cache misses",
		}),
	}
}

// Noop returns a Recorder that discards everything.
func Noop() Recorder { return noopMetrics{} }

// noopMetrics is a no-op implementation for when metrics are disabled.
type noopMetrics struct{}

func (noopMetrics) ObservePass(_ string, _ time.Duration) {}
func (noopMetrics) IncRecordWrites(_ int)                 {}
func (noopMetrics) IncDateOutcome(_ string, _ int)        {}
func (noopMetrics) IncShortCircuit()                      {}
func (noopMetrics) IncDownloads(_ string)                 {}
func (noopMetrics) SetPendingVideos(_ int)                {}
func (noopMetrics) IncStoreErrors(_ string)               {}
func (noopMetrics) IncCacheHits()                         {}
func (noopMetrics) IncCacheMisses()                       {}
