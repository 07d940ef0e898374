// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mtap.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream outcomes.
const (
	OutcomeEmitted   = "emitted"
	OutcomeAbandoned = "abandoned"
	OutcomeDropped   = "dropped"
	OutcomeViolation = "violation"
)

// Metrics holds all Prometheus metrics for mtap.
type Metrics struct {
	// Stream metrics
	ActiveStreams      prometheus.Gauge
	StreamsTotal       *prometheus.CounterVec
	StreamDuration     prometheus.Histogram
	PhasesTotal        *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec

	// Transaction metrics
	TransactionsTotal *prometheus.CounterVec
	RecordsTruncated  prometheus.Counter
	RequestSize       prometheus.Histogram
	ResponseSize      prometheus.Histogram
	HandlerErrors     *prometheus.CounterVec

	// Dispatcher metrics
	QueueDepth       prometheus.Gauge
	QueueDropped     *prometheus.CounterVec
	RecordsDelivered prometheus.Counter
	BatchesDelivered prometheus.Counter
	BatchesDropped   *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	DeliveryAttempts *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive prometheus.Gauge
	MemoryAllocated  *prometheus.GaugeVec
}

// New registers every metric with reg under namespace. A nil reg uses a
// private registry, which keeps tests and embedded uses isolated.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mtap"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	sizeBuckets := []float64{100, 1000, 10000, 100000, 1000000, 10000000}

	return &Metrics{
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of ext_proc streams currently open",
		}),
		StreamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of ext_proc streams by outcome",
		}, []string{"outcome"}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Stream duration in seconds",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		PhasesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Total number of processing phases received",
		}, []string{"phase"}),
		ProtocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of streams aborted for out-of-order or malformed phases",
		}, []string{"phase"}),
		TransactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of transaction records emitted",
		}, []string{"method", "status"}),
		RecordsTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_truncated_total",
			Help:      "Total number of emitted records with a truncated body",
		}),
		RequestSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_size_bytes",
			Help:      "Observed request body size in bytes",
			Buckets:   sizeBuckets,
		}),
		ResponseSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Observed response body size in bytes",
			Buckets:   sizeBuckets,
		}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total number of handler hook errors",
		}, []string{"hook"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of records waiting in the dispatcher queue",
		}),
		QueueDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Total number of records dropped by the dispatcher queue",
		}, []string{"policy"}),
		RecordsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_delivered_total",
			Help:      "Total number of records accepted by the collector",
		}),
		BatchesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_delivered_total",
			Help:      "Total number of batches accepted by the collector",
		}),
		BatchesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dropped_total",
			Help:      "Total number of batches given up on",
		}, []string{"reason"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of records per batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of collector delivery attempts",
		}, []string{"status"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Collector delivery attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"target"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		}, []string{"target"}),
		GoroutinesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_active",
			Help:      "Number of active goroutines",
		}),
		MemoryAllocated: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_allocated_bytes",
			Help:      "Memory allocated in bytes",
		}, []string{"type"}),
	}
}

// ObserveStream tracks a stream lifecycle. f returns the stream outcome.
func (m *Metrics) ObserveStream(f func() (string, error)) error {
	m.ActiveStreams.Inc()
	defer m.ActiveStreams.Dec()

	start := time.Now()
	defer func() {
		m.StreamDuration.Observe(time.Since(start).Seconds())
	}()

	outcome, err := f()
	m.StreamsTotal.WithLabelValues(outcome).Inc()

	return err
}

// ObserveDelivery tracks a single delivery attempt.
func (m *Metrics) ObserveDelivery(f func() error) error {
	start := time.Now()

	err := f()
	m.DeliveryDuration.Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	m.DeliveryAttempts.WithLabelValues(status).Inc()

	return err
}
