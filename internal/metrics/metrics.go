// Package metrics holds the prometheus collector shared by the API and worker.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "portal"

// Collector is a prometheus.Collector for deployment, discovery and HTTP metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	deploymentsStarted  *prometheus.CounterVec
	deploymentsFinished *prometheus.CounterVec
	deploymentDuration  *prometheus.HistogramVec
	activeDeployments   prometheus.Gauge
	optionFailures      *prometheus.CounterVec
	optionCacheHits     *prometheus.CounterVec
	authAttempts        *prometheus.CounterVec
	rateLimitHits       *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "The number of HTTP requests served.",
			}, []string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "The time taken to serve an HTTP request.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"},
		),
		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deployments_started_total",
				Help:      "The number of deployments accepted by the engine.",
			}, []string{"provider", "template"},
		),
		deploymentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deployments_finished_total",
				Help:      "The number of deployments that reached a terminal status.",
			}, []string{"provider", "status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "deployment_duration_seconds",
				Help:      "The wall time from start to terminal status.",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
			}, []string{"provider"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "tracked_deployments",
				Help:      "The number of deployments currently being tracked.",
			},
		),
		optionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "option_resolution_failures_total",
				Help:      "The number of dynamic option lookups that fell back to an empty list.",
			}, []string{"provider", "parameter"},
		),
		optionCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "option_cache_hits_total",
				Help:      "The number of dynamic option lookups served from cache.",
			}, []string{"provider"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "auth_attempts_total",
				Help:      "The number of login attempts.",
			}, []string{"result"},
		),
		rateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limit_hits_total",
				Help:      "The number of requests rejected by the rate limiter.",
			}, []string{"route"},
		),
	}
}

func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) DeploymentStarted(provider, template string) {
	if c == nil {
		return
	}
	c.deploymentsStarted.WithLabelValues(provider, template).Inc()
}

// DeploymentFinished records a terminal status. duration may be nil when the
// run never started.
func (c *Collector) DeploymentFinished(provider, status string, duration *float64) {
	if c == nil {
		return
	}
	c.deploymentsFinished.WithLabelValues(provider, status).Inc()
	if duration != nil {
		c.deploymentDuration.WithLabelValues(provider).Observe(*duration)
	}
}

func (c *Collector) TrackedDeployments(n int) {
	if c == nil {
		return
	}
	c.activeDeployments.Set(float64(n))
}

func (c *Collector) OptionFailure(provider, parameter string) {
	if c == nil {
		return
	}
	c.optionFailures.WithLabelValues(provider, parameter).Inc()
}

func (c *Collector) OptionCacheHit(provider string) {
	if c == nil {
		return
	}
	c.optionCacheHits.WithLabelValues(provider).Inc()
}

func (c *Collector) AuthAttempt(success bool) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) RateLimited(route string) {
	if c == nil {
		return
	}
	c.rateLimitHits.WithLabelValues(route).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.httpRequests.Describe(ch)
	c.httpDuration.Describe(ch)
	c.deploymentsStarted.Describe(ch)
	c.deploymentsFinished.Describe(ch)
	c.deploymentDuration.Describe(ch)
	c.activeDeployments.Describe(ch)
	c.optionFailures.Describe(ch)
	c.optionCacheHits.Describe(ch)
	c.authAttempts.Describe(ch)
	c.rateLimitHits.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.httpRequests.Collect(ch)
	c.httpDuration.Collect(ch)
	c.deploymentsStarted.Collect(ch)
	c.deploymentsFinished.Collect(ch)
	c.deploymentDuration.Collect(ch)
	c.activeDeployments.Collect(ch)
	c.optionFailures.Collect(ch)
	c.optionCacheHits.Collect(ch)
	c.authAttempts.Collect(ch)
	c.rateLimitHits.Collect(ch)
}
