// Package metrics holds the Prometheus collectors for ingestion, retrieval
// and chat. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ingestAttempts   *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	queueDeliveries  *prometheus.CounterVec
	chatTurns        *prometheus.CounterVec
	firstToken       prometheus.Histogram
	retrievalResults prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ingestAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contexta",
			Name:      "ingest_attempts_total",
			Help:      "Ingestion attempts by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contexta",
			Name:      "ingest_stage_duration_seconds",
			Help:      "Time spent in each ingestion stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		queueDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contexta",
			Name:      "queue_deliveries_total",
			Help:      "Job queue deliveries by result.",
		}, []string{"result"}),
		chatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contexta",
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		firstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "contexta",
			Name:      "chat_first_token_seconds",
			Help:      "Latency from turn start to the first streamed delta.",
			Buckets:   prometheus.DefBuckets,
		}),
		retrievalResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "contexta",
			Name:      "retrieval_results",
			Help:      "Number of chunks returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
	}
	reg.MustRegister(
		m.ingestAttempts, m.stageDuration, m.queueDeliveries,
		m.chatTurns, m.firstToken, m.retrievalResults,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IngestAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ingestAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) QueueDelivery(result string) {
	if m == nil {
		return
	}
	m.queueDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ChatTurn(outcome string) {
	if m == nil {
		return
	}
	m.chatTurns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.firstToken.Observe(d.Seconds())
}

func (m *Metrics) ObserveRetrieval(n int) {
	if m == nil {
		return
	}
	m.retrievalResults.Observe(float64(n))
}
