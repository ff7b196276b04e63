package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels explanations that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels explanations that failed.
	OutcomeError = "error"
)

var (
	explanationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glassbox_explain",
			Name:      "explanations_total",
			Help:      "Total number of single-observation explanations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	explanationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "glassbox_explain",
			Name:      "explanation_seconds",
			Help:      "Single-observation explanation latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	batchObservations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "glassbox_explain",
			Name:      "batch_observations",
			Help:      "Observations per batch explanation request.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	batchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "glassbox_explain",
			Name:      "batch_seconds",
			Help:      "Batch explanation latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glassbox_explain",
			Name:      "cache_lookups_total",
			Help:      "Explanation cache lookups, partitioned by result (hit/miss).",
		},
		[]string{"result"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glassbox_explain",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, partitioned by route and status code.",
		},
		[]string{"route", "code"},
	)

	httpRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glassbox_explain",
			Name:      "http_request_seconds",
			Help:      "HTTP request latency in seconds, partitioned by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"route"},
	)
)

// Register attaches the engine's collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		explanationsTotal,
		explanationSeconds,
		batchObservations,
		batchSeconds,
		cacheLookupsTotal,
		httpRequestsTotal,
		httpRequestSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveExplanation records one explanation's duration and outcome label.
func ObserveExplanation(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	explanationsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	explanationSeconds.Observe(duration.Seconds())
}

// ObserveBatch records a batch's size and duration.
func ObserveBatch(observations int, duration time.Duration) {
	batchObservations.Observe(float64(observations))
	if duration < 0 {
		duration = 0
	}
	batchSeconds.Observe(duration.Seconds())
}

// CacheLookup records a cache hit or miss.
func CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records a served request by route pattern and status.
func ObserveHTTPRequest(route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpRequestSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
