package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booking"

// Collector owns the service's Prometheus registry. All methods are safe on a
// nil receiver so callers that run without metrics need no guards.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration prometheus.Histogram

	requestsCreated   *prometheus.CounterVec
	requestOutcomes   *prometheus.CounterVec
	dueDeletions      *prometheus.CounterVec
	retentionCleaned  *prometheus.CounterVec
	retentionFailures *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	jobRuns           *prometheus.CounterVec
}

func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by status class.",
		}, []string{"status"}),
		httpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "privacy",
			Name:      "requests_created_total",
			Help:      "Data-subject requests created by type.",
		}, []string{"type"}),
		requestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "privacy",
			Name:      "request_transitions_total",
			Help:      "Data-subject request status transitions by type and target status.",
		}, []string{"type", "status"}),
		dueDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "privacy",
			Name:      "due_deletions_total",
			Help:      "Due deletions processed by outcome.",
		}, []string{"outcome"}),
		retentionCleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "rows_cleaned_total",
			Help:      "Rows deleted or scrubbed by retention policy.",
		}, []string{"policy"}),
		retentionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "policy_failures_total",
			Help:      "Retention policy executions that failed.",
		}, []string{"policy"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of full retention sweeps.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800},
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Scheduled job runs by job type and status.",
		}, []string{"job", "status"}),
	}
	registry.MustRegister(
		c.httpRequests, c.httpDuration,
		c.requestsCreated, c.requestOutcomes, c.dueDeletions,
		c.retentionCleaned, c.retentionFailures, c.sweepDuration,
		c.jobRuns,
	)
	return c
}

// Record tracks one served HTTP request.
func (c *Collector) Record(status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(statusClass(status)).Inc()
	c.httpDuration.Observe(duration.Seconds())
}

func (c *Collector) RequestCreated(requestType string) {
	if c == nil {
		return
	}
	c.requestsCreated.WithLabelValues(requestType).Inc()
}

func (c *Collector) RequestTransition(requestType, status string) {
	if c == nil {
		return
	}
	c.requestOutcomes.WithLabelValues(requestType, status).Inc()
}

func (c *Collector) DueDeletion(outcome string) {
	if c == nil {
		return
	}
	c.dueDeletions.WithLabelValues(outcome).Inc()
}

func (c *Collector) PolicyRun(policy string, cleaned int64, failed bool) {
	if c == nil {
		return
	}
	if cleaned > 0 {
		c.retentionCleaned.WithLabelValues(policy).Add(float64(cleaned))
	}
	if failed {
		c.retentionFailures.WithLabelValues(policy).Inc()
	}
}

func (c *Collector) SweepCompleted(duration time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(duration.Seconds())
}

func (c *Collector) JobRun(job, status string) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(job, status).Inc()
}

// Handler exposes the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
