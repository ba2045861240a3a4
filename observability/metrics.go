// Package observability exposes bloop's Prometheus metrics registry.
// Shape — a thin struct wrapping a prometheus.Registry, one field per
// named metric, registered once at construction — is grounded on the
// teacher's telemetry PrometheusProvider, reduced from its generic
// name/label-driven registry to a fixed set of named collectors since
// bloop's metric surface is small and known up front.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector bloop's pipelines and handlers report
// to.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	TracesIngested *prometheus.CounterVec
	FlushErrors    *prometheus.CounterVec
	AlertsFired    *prometheus.CounterVec

	FlushDuration *prometheus.HistogramVec
	QueryDuration *prometheus.HistogramVec

	ChannelBufferUsage *prometheus.GaugeVec
}

// New builds and registers bloop's metric collectors against a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bloop_events_ingested_total",
			Help: "Error events accepted into the ingest pipeline.",
		}, []string{"project_id"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bloop_events_dropped_total",
			Help: "Error events dropped due to a full ingest buffer.",
		}, []string{"project_id"}),
		TracesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bloop_traces_ingested_total",
			Help: "LLM traces accepted into the ingest pipeline.",
		}, []string{"project_id"}),
		FlushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bloop_flush_errors_total",
			Help: "Batch writes that failed after the single retry.",
		}, []string{"pipeline"}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bloop_alerts_fired_total",
			Help: "Alert rules that fired, past cooldown.",
		}, []string{"project_id", "rule_type"}),

		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bloop_flush_duration_seconds",
			Help:    "Wall time of one batch flush transaction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bloop_query_duration_seconds",
			Help:    "Wall time of one HTTP query handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		ChannelBufferUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bloop_channel_buffer_usage",
			Help: "Fraction of an ingest channel's capacity currently buffered.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.EventsIngested, m.EventsDropped, m.TracesIngested, m.FlushErrors, m.AlertsFired,
		m.FlushDuration, m.QueryDuration, m.ChannelBufferUsage,
	)
	return m
}

// Handler returns the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBufferUsage reports one channel's current occupancy as a [0,1]
// fraction.
func (m *Metrics) SetBufferUsage(channel string, length, capacity int) {
	if capacity == 0 {
		return
	}
	m.ChannelBufferUsage.WithLabelValues(channel).Set(float64(length) / float64(capacity))
}
