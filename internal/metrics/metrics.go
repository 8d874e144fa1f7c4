// Package metrics holds the Prometheus collectors for analysis runs and the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "truthlens"

var (
	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of analysis runs in progress",
		},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Histogram of total run duration in seconds",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"}, // status: success, error, cancelled
	)

	verdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Total number of completed runs by verdict",
		},
		[]string{"verdict"}, // verdict: deepfake, authentic
	)

	windowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Total number of scored windows",
		},
		[]string{"status"}, // status: success, error
	)

	windowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_duration_seconds",
			Help:      "Duration of tracking, preprocessing and classifying one window",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	windowProbability = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_probability",
			Help:      "Distribution of per-window fake probabilities",
			Buckets:   []float64{.025, .03, .1, .25, .5, .75, .9, 1},
		},
	)

	faceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "face_failures_total",
			Help:      "Face detection and crop failures that fell back to full frames",
		},
		[]string{"kind"}, // kind: detect, crop
	)

	sessionWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_acquire_seconds",
			Help:      "Time spent waiting for a model session",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"status"}, // status: success, error
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Total number of rendered reports",
		},
		[]string{"status"}, // status: success, error
	)

	allMetrics = []prometheus.Collector{
		runsActive,
		runDuration,
		verdictsTotal,
		windowsTotal,
		windowDuration,
		windowProbability,
		faceFailuresTotal,
		sessionWait,
		httpRequestsTotal,
		reportsTotal,
	}
)

// NewRegistry returns a registry carrying every truthlens collector plus Go runtime metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func RecordRunStart() {
	runsActive.Inc()
}

// RecordRunEnd closes a run started with RecordRunStart.
func RecordRunEnd(status string, durationSeconds float64) {
	runsActive.Dec()
	runDuration.WithLabelValues(status).Observe(durationSeconds)
}

func RecordVerdict(isDeepfake bool) {
	if isDeepfake {
		verdictsTotal.WithLabelValues("deepfake").Inc()
		return
	}
	verdictsTotal.WithLabelValues("authentic").Inc()
}

// RecordWindow records one scored window. Failed windows carry the neutral probability and are
// kept out of the probability histogram.
func RecordWindow(status string, probability, durationSeconds float64) {
	windowsTotal.WithLabelValues(status).Inc()
	windowDuration.Observe(durationSeconds)
	if status == "success" {
		windowProbability.Observe(probability)
	}
}

func RecordFaceFailure(kind string) {
	faceFailuresTotal.WithLabelValues(kind).Inc()
}

func RecordSessionAcquire(status string, durationSeconds float64) {
	sessionWait.WithLabelValues(status).Observe(durationSeconds)
}

func RecordHTTPRequest(route string, code string) {
	httpRequestsTotal.WithLabelValues(route, code).Inc()
}

func RecordReport(status string) {
	reportsTotal.WithLabelValues(status).Inc()
}
