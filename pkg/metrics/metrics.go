// Package metrics exports cache, webhook and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/verdict/pkg/models"
)

const namespace = "verdict"

// Collector holds the Prometheus metrics for one process. It satisfies
// cache.Recorder and webhook.Observer.
type Collector struct {
	registry *prometheus.Registry

	CacheLookups      *prometheus.CounterVec
	CacheLookupTime   *prometheus.HistogramVec
	WebhookAttempts   *prometheus.CounterVec
	WebhookAttemptDur prometheus.Histogram
	WebhookDeliveries *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New creates a Collector on its own registry, with Go and process
// collectors included.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by outcome.",
		}, []string{"outcome"}),
		CacheLookupTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_lookup_duration_seconds",
			Help:      "Cache lookup latency by outcome.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),
		WebhookAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempts_total",
			Help:      "Webhook delivery attempts by result.",
		}, []string{"result"}),
		WebhookAttemptDur: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_attempt_duration_seconds",
			Help:      "Duration of webhook delivery attempts.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Completed webhook deliveries by final status.",
		}, []string{"status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Observe records a cache lookup.
func (c *Collector) Observe(outcome models.LookupOutcome, elapsed time.Duration) {
	c.CacheLookups.WithLabelValues(string(outcome)).Inc()
	c.CacheLookupTime.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// AttemptFinished records one webhook delivery attempt.
func (c *Collector) AttemptFinished(ok bool, elapsed time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	c.WebhookAttempts.WithLabelValues(result).Inc()
	c.WebhookAttemptDur.Observe(elapsed.Seconds())
}

// DeliveryCompleted records a delivery reaching a terminal status.
func (c *Collector) DeliveryCompleted(status models.DeliveryStatus) {
	c.WebhookDeliveries.WithLabelValues(string(status)).Inc()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(route string, code int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	c.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
