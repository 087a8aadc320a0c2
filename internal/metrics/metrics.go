// Package metrics holds the Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can create as many as they like.
// All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	turns           *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	classifications *prometheus.CounterVec
	casesOpened     prometheus.Counter
	casesResolved   *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	jobFirings      *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// New creates a collector with metrics under namespace.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_processed_total",
			Help:      "Conversation turns processed, by result.",
		}, []string{"result"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from dequeue to completion of a turn.",
			Buckets:   prometheus.DefBuckets,
		}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classifier results, by outcome and severity.",
		}, []string{"outcome", "severity"}),
		casesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_cases_opened_total",
			Help:      "Emergency cases opened.",
		}),
		casesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_cases_resolved_total",
			Help:      "Emergency cases resolved, by resolution.",
		}, []string{"resolution"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts by kind, channel and final status.",
		}, []string{"kind", "channel", "status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Channel delivery attempts, by channel and result.",
		}, []string{"channel", "result"}),
		jobFirings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_firings_total",
			Help:      "Reminder job firings, by kind and result.",
		}, []string{"kind", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_queue_depth",
			Help:      "Turns waiting in per-patient queues.",
		}),
	}

	c.registry.MustRegister(
		c.turns, c.turnDuration, c.classifications, c.casesOpened, c.casesResolved,
		c.alerts, c.deliveries, c.jobFirings, c.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) TurnProcessed(result string, took time.Duration) {
	if c == nil {
		return
	}
	c.turns.WithLabelValues(result).Inc()
	c.turnDuration.Observe(took.Seconds())
}

func (c *Collector) Classified(outcome, severity string) {
	if c == nil {
		return
	}
	c.classifications.WithLabelValues(outcome, severity).Inc()
}

func (c *Collector) CaseOpened() {
	if c == nil {
		return
	}
	c.casesOpened.Inc()
}

func (c *Collector) CaseResolved(resolution string) {
	if c == nil {
		return
	}
	c.casesResolved.WithLabelValues(resolution).Inc()
}

func (c *Collector) AlertFinished(kind, channel, status string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(kind, channel, status).Inc()
}

func (c *Collector) DeliveryAttempt(channel, result string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(channel, result).Inc()
}

func (c *Collector) JobFired(kind, result string) {
	if c == nil {
		return
	}
	c.jobFirings.WithLabelValues(kind, result).Inc()
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}
