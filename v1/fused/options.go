package fused

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Lock.
type Option[T any] func(*Lock[T])

// WithName sets a human-readable name reported in trace attributes.
func WithName[T any](name string) Option[T] {
	return func(l *Lock[T]) {
		l.name = name
	}
}

// WithTracing enables OpenTelemetry spans on the blocking acquisition paths.
// Each traced lock gets a unique id attached to its spans.
func WithTracing[T any]() Option[T] {
	return func(l *Lock[T]) {
		l.traceEnabled = true
		l.id = uuid.NewString()
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(l *Lock[T]) {
		l.exclusiveCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuselock_exclusive_acquisitions_total",
			Help: "Total number of successful exclusive acquisitions",
		})
		l.sharedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuselock_shared_acquisitions_total",
			Help: "Total number of successful shared acquisitions",
		})
		l.contentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuselock_contention_total",
			Help: "Total number of acquisition attempts refused without blocking",
		})
		l.holdHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fuselock_exclusive_hold_seconds",
			Help:    "Duration exclusive guards were held before release",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(l.exclusiveCounter, l.sharedCounter, l.contentionCounter, l.holdHist)
	}
}
