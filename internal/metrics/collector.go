// Package metrics exposes Prometheus instrumentation for the LLM service
// and the task queue worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the promptflow metric families.
type Collector struct {
	requestsTotal *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	costTotal     *prometheus.CounterVec
	cacheEvents   *prometheus.CounterVec
	tasksInFlight prometheus.Gauge
	taskDuration  prometheus.Histogram
}

// NewCollector registers the metric families on reg. Passing nil uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_llm_requests_total",
			Help: "LLM requests by provider and terminal status.",
		}, []string{"provider", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_llm_tokens_total",
			Help: "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_llm_cost_usd_total",
			Help: "Estimated spend in USD by provider.",
		}, []string{"provider"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptflow_response_cache_events_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptflow_worker_tasks_in_flight",
			Help: "Background tasks currently executing in this worker.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promptflow_worker_task_duration_seconds",
			Help:    "Background task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	reg.MustRegister(c.requestsTotal, c.tokensTotal, c.costTotal, c.cacheEvents, c.tasksInFlight, c.taskDuration)
	return c
}

// RecordRequest counts one terminal LLM request.
func (c *Collector) RecordRequest(provider, status string, inputTokens, outputTokens int, cost float64) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(provider, status).Inc()
	c.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	c.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	c.costTotal.WithLabelValues(provider).Add(cost)
}

// RecordCacheHit counts a response cache hit.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheEvents.WithLabelValues("hit").Inc()
}

// RecordCacheMiss counts a response cache miss.
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheEvents.WithLabelValues("miss").Inc()
}

// TaskStarted marks a background task as in flight.
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksInFlight.Inc()
}

// TaskFinished marks a background task as done and observes its duration.
func (c *Collector) TaskFinished(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.tasksInFlight.Dec()
	c.taskDuration.Observe(elapsed.Seconds())
}
