package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	featureOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "feature",
			Name:      "outcomes_total",
			Help:      "Feature test outcomes by kernel.",
		},
		[]string{"kernel", "outcome"},
	)
	featureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelctl",
			Subsystem: "feature",
			Name:      "duration_seconds",
			Help:      "Feature test wall time, kernel startup included.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"kernel"},
	)
	harnessFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "feature",
			Name:      "harness_faults_total",
			Help:      "Feature tests aborted by a harness fault.",
		},
		[]string{"kernel"},
	)
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "run",
			Name:      "total",
			Help:      "Orchestrator runs by completion.",
		},
		[]string{"completed"},
	)
	testsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kernelctl",
			Subsystem: "feature",
			Name:      "in_flight",
			Help:      "Feature tests currently running.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			featureOutcomes, featureDuration, harnessFaults,
			runsTotal, testsInFlight,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFeature(kernel, outcome string, duration time.Duration) {
	RegisterMetrics()
	featureOutcomes.WithLabelValues(kernel, outcome).Inc()
	featureDuration.WithLabelValues(kernel).Observe(duration.Seconds())
}

func RecordHarnessFault(kernel string) {
	RegisterMetrics()
	harnessFaults.WithLabelValues(kernel).Inc()
}

func RecordRun(completed bool) {
	RegisterMetrics()
	runsTotal.WithLabelValues(strconv.FormatBool(completed)).Inc()
}

// TrackInFlight bumps the in-flight gauge; call the returned func when the
// test finishes.
func TrackInFlight() func() {
	RegisterMetrics()
	testsInFlight.Inc()
	return testsInFlight.Dec
}
