package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons used as the "reason" label of pose_analysis_failures_total
const (
	ReasonNotVideo    = "not_video"
	ReasonModel       = "model_missing"
	ReasonUnreadable  = "unreadable_video"
	ReasonBusy        = "busy"
	ReasonTooLarge    = "too_large"
	ReasonInternal    = "internal"
	ReasonBadRequest  = "bad_request"
	ReasonCancelled   = "cancelled"
	ReasonRateLimited = "rate_limited"
)

// Metrics holds all application metrics
type Metrics struct {
	// Analysis counters
	AnalysesStarted   atomic.Uint64
	AnalysesSucceeded atomic.Uint64
	AnalysesFailed    atomic.Uint64
	AnalysesInFlight  atomic.Int64

	// Frame counters
	FramesProcessed atomic.Uint64
	FramesWithPose  atomic.Uint64
	PosesDetected   atomic.Uint64

	// Upload volume
	UploadBytes atomic.Uint64

	// Last analysis wall time in ms
	LastAnalysisMs atomic.Uint64

	inferenceSeconds prometheus.Histogram
	analysisSeconds  prometheus.Histogram
	failures         *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pose_inference_seconds",
			Help:    "Pose landmark inference latency per frame",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 12),
		}),
		analysisSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pose_analysis_duration_seconds",
			Help:    "Wall time of a complete video analysis",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pose_analysis_failures_total",
			Help: "Failed analysis requests by reason",
		}, []string{"reason"}),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.inferenceSeconds, m.analysisSeconds, m.failures)

	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"pose_analyses_started_total", "Analyses accepted for processing", &m.AnalysesStarted},
		{"pose_analyses_succeeded_total", "Analyses that produced a result file", &m.AnalysesSucceeded},
		{"pose_analyses_failed_total", "Analyses that returned an error", &m.AnalysesFailed},
		{"pose_frames_processed_total", "Video frames passed to the landmarker", &m.FramesProcessed},
		{"pose_frames_with_pose_total", "Frames in which at least one pose was found", &m.FramesWithPose},
		{"pose_poses_detected_total", "Poses returned by the landmarker", &m.PosesDetected},
		{"pose_upload_bytes_total", "Bytes of video stored from uploads", &m.UploadBytes},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pose_analyses_in_flight",
			Help: "Analyses currently running",
		},
		func() float64 { return float64(m.AnalysesInFlight.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pose_last_analysis_seconds",
			Help: "Wall time of the most recent analysis",
		},
		func() float64 { return float64(m.LastAnalysisMs.Load()) / 1000 },
	))
}

// ObserveInference records the latency of one landmarker call
func (m *Metrics) ObserveInference(d time.Duration) {
	m.inferenceSeconds.Observe(d.Seconds())
}

// ObserveFrame counts a processed frame and the poses found in it
func (m *Metrics) ObserveFrame(poses int) {
	m.FramesProcessed.Add(1)
	if poses > 0 {
		m.FramesWithPose.Add(1)
		m.PosesDetected.Add(uint64(poses))
	}
}

// BeginAnalysis marks an analysis as running and returns its finish func.
func (m *Metrics) BeginAnalysis() func(err error) {
	start := time.Now()
	m.AnalysesStarted.Add(1)
	m.AnalysesInFlight.Add(1)
	return func(err error) {
		elapsed := time.Since(start)
		m.AnalysesInFlight.Add(-1)
		m.analysisSeconds.Observe(elapsed.Seconds())
		m.LastAnalysisMs.Store(uint64(elapsed.Milliseconds()))
		if err != nil {
			m.AnalysesFailed.Add(1)
			return
		}
		m.AnalysesSucceeded.Add(1)
	}
}

// RecordFailure counts a rejected or failed request by reason
func (m *Metrics) RecordFailure(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
