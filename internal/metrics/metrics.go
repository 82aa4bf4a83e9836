// Package metrics holds the Prometheus collectors for the query pipeline and
// the version manager. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	Queries        *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	StageRetries   *prometheus.CounterVec
	FeedbackRounds prometheus.Histogram
	Claims         *prometheus.CounterVec

	Commits       *prometheus.CounterVec
	LatestVersion prometheus.Gauge

	EmbeddingUpdates prometheus.Counter
	StaleAnswers     prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a collector whose metric names are prefixed with namespace.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries answered, by outcome.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "result"}),
		StageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Transient failures retried locally, by stage.",
		}, []string{"stage"}),
		FeedbackRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feedback_rounds",
			Help:      "Verification feedback rounds used per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Verified claims, by status.",
		}, []string{"status"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Graph commits, by result.",
		}, []string{"result"}),
		LatestVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_version",
			Help:      "Most recently committed graph version.",
		}),
		EmbeddingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_updates_total",
			Help:      "Domain embedding updates applied by the learner.",
		}),
		StaleAnswers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_answers_total",
			Help:      "Answers annotated as possibly out of date.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	c.registry.MustRegister(
		c.Queries, c.StageDuration, c.StageRetries, c.FeedbackRounds, c.Claims,
		c.Commits, c.LatestVersion, c.EmbeddingUpdates, c.StaleAnswers,
		c.HTTPRequests, c.HTTPDuration,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStage records one stage execution.
func (c *Collector) ObserveStage(stage string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.StageDuration.WithLabelValues(stage, result(err)).Observe(d.Seconds())
}

// RetryStage counts a local retry of stage.
func (c *Collector) RetryStage(stage string) {
	if c == nil {
		return
	}
	c.StageRetries.WithLabelValues(stage).Inc()
}

// QueryDone records a finished query.
func (c *Collector) QueryDone(status string, feedbackRounds int, stale bool) {
	if c == nil {
		return
	}
	c.Queries.WithLabelValues(status).Inc()
	c.FeedbackRounds.Observe(float64(feedbackRounds))
	if stale {
		c.StaleAnswers.Inc()
	}
}

// ClaimVerified counts one claim verdict.
func (c *Collector) ClaimVerified(status string) {
	if c == nil {
		return
	}
	c.Claims.WithLabelValues(status).Inc()
}

// CommitDone records a commit attempt and, on success, the new version.
func (c *Collector) CommitDone(version int64, err error) {
	if c == nil {
		return
	}
	c.Commits.WithLabelValues(result(err)).Inc()
	if err == nil {
		c.LatestVersion.Set(float64(version))
	}
}

// CommitConflict counts an optimistic-concurrency conflict.
func (c *Collector) CommitConflict() {
	if c == nil {
		return
	}
	c.Commits.WithLabelValues("conflict").Inc()
}

// EmbeddingUpdated counts one learner update.
func (c *Collector) EmbeddingUpdated() {
	if c == nil {
		return
	}
	c.EmbeddingUpdates.Inc()
}

// HTTPRequest records one HTTP request.
func (c *Collector) HTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
