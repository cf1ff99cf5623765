package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the saga orchestrator.
type Metrics struct {
	registry         *prometheus.Registry
	sagaStarted      prometheus.Counter
	sagaFinished     *prometheus.CounterVec
	sagaCompensated  prometheus.Counter
	eventsRejected   *prometheus.CounterVec
	duplicateDropped prometheus.Counter
	decisionLatency  prometheus.Histogram
	publishErrors    *prometheus.CounterVec

	streamPending *prometheus.GaugeVec
	streamErrors  *prometheus.CounterVec
	streamDLQ     *prometheus.CounterVec
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started sagas.",
	})

	sagaFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of finished sagas.",
	}, []string{"outcome"})

	sagaCompensated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_compensation_steps_total",
		Help: "Total number of compensation requests dispatched.",
	})

	eventsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_events_rejected_total",
		Help: "Total number of inbound events rejected by validation.",
	}, []string{"reason"})

	duplicateDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_events_duplicate_total",
		Help: "Total number of inbound events dropped as duplicates.",
	})

	decisionLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_decision_latency_seconds",
		Help:    "Latency for one controller decision cycle in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	publishErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_publish_errors_total",
		Help: "Total number of failed outbound publishes.",
	}, []string{"topic"})

	streamPending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redis_stream_pending",
		Help: "Number of pending messages in Redis Streams consumer groups.",
	}, []string{"stream", "group"})

	streamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_handler_errors_total",
		Help: "Total number of stream handler errors.",
	}, []string{"stream", "group"})

	streamDLQ := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_dlq_total",
		Help: "Total number of messages moved to Redis Stream DLQ.",
	}, []string{"stream", "group"})

	registry.MustRegister(
		sagaStarted, sagaFinished, sagaCompensated, eventsRejected, duplicateDropped,
		decisionLatency, publishErrors, streamPending, streamErrors, streamDLQ,
	)

	return &Metrics{
		registry:         registry,
		sagaStarted:      sagaStarted,
		sagaFinished:     sagaFinished,
		sagaCompensated:  sagaCompensated,
		eventsRejected:   eventsRejected,
		duplicateDropped: duplicateDropped,
		decisionLatency:  decisionLatency,
		publishErrors:    publishErrors,
		streamPending:    streamPending,
		streamErrors:     streamErrors,
		streamDLQ:        streamDLQ,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSagaStarted increments the started saga counter.
func (m *Metrics) IncSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
}

// IncSagaFinished increments the finished saga counter for the outcome.
func (m *Metrics) IncSagaFinished(outcome string) {
	if m == nil {
		return
	}
	m.sagaFinished.WithLabelValues(outcome).Inc()
}

// IncCompensationStep increments the compensation dispatch counter.
func (m *Metrics) IncCompensationStep() {
	if m == nil {
		return
	}
	m.sagaCompensated.Inc()
}

// IncEventRejected increments the validation rejection counter.
func (m *Metrics) IncEventRejected(reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(reason).Inc()
}

// IncDuplicateDropped increments the duplicate drop counter.
func (m *Metrics) IncDuplicateDropped() {
	if m == nil {
		return
	}
	m.duplicateDropped.Inc()
}

// ObserveDecisionLatency records one decision cycle duration.
func (m *Metrics) ObserveDecisionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.decisionLatency.Observe(d.Seconds())
}

// IncPublishError increments the outbound publish error counter.
func (m *Metrics) IncPublishError(topic string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) SetStreamPending(stream, group string, pending int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func (m *Metrics) IncStreamError(stream, group string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) IncStreamDLQ(stream, group string) {
	if m == nil {
		return
	}
	m.streamDLQ.WithLabelValues(stream, group).Inc()
}
