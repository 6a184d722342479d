// v1
// internal/metrics/metrics.go
// Package metrics exposes the locator's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "locator"

// Metrics implements the locator and ingest observers.
type Metrics struct {
	registry *prometheus.Registry

	classifications *prometheus.CounterVec
	uncertain       prometheus.Counter
	classifyLatency prometheus.Histogram
	decodeErrors    prometheus.Counter
	dropped         *prometheus.CounterVec
	reloads         *prometheus.CounterVec
	fingerprints    prometheus.Gauge
	publishErrors   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	kafkaRetries    *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Scans classified, by outcome status.",
		}, []string{"status"}),
		uncertain: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncertain_total",
			Help:      "Classifications flagged uncertain.",
		}),
		classifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Time spent ranking and voting per scan.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Scan payloads rejected at the transport boundary.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Scan messages dropped before classification, by reason.",
		}, []string{"reason"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Fingerprint store loads, by result.",
		}, []string{"result"}),
		fingerprints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fingerprints",
			Help:      "Fingerprints in the active store.",
		}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed outcome publications, by sink.",
		}, []string{"sink"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		kafkaRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_retries_total",
			Help:      "Kafka calls retried behind the circuit breaker, by topic and operation.",
		}, []string{"topic", "op"}),
	}
	reg.MustRegister(
		m.classifications, m.uncertain, m.classifyLatency, m.decodeErrors, m.dropped,
		m.reloads, m.fingerprints, m.publishErrors, m.httpRequests, m.kafkaRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveClassification(status string, uncertain bool, took time.Duration) {
	m.classifications.WithLabelValues(status).Inc()
	if uncertain {
		m.uncertain.Inc()
	}
	m.classifyLatency.Observe(took.Seconds())
}

func (m *Metrics) ObserveDecodeError() { m.decodeErrors.Inc() }

func (m *Metrics) ObserveDropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }

func (m *Metrics) ObserveReload(ok bool, fingerprints int) {
	if !ok {
		m.reloads.WithLabelValues("failure").Inc()
		return
	}
	m.reloads.WithLabelValues("success").Inc()
	m.fingerprints.Set(float64(fingerprints))
}

func (m *Metrics) ObservePublishError(sink string) { m.publishErrors.WithLabelValues(sink).Inc() }

// ObserveHTTP counts one served request.
func (m *Metrics) ObserveHTTP(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// ObserveKafkaRetry counts one back-off before retrying a Kafka call.
func (m *Metrics) ObserveKafkaRetry(topic, op string) {
	m.kafkaRetries.WithLabelValues(topic, op).Inc()
}

// RegisterBreaker exposes a breaker position as a gauge: 0 closed, 1 half
// open, 2 open.
func (m *Metrics) RegisterBreaker(name string, state func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "circuit_breaker_state",
		Help:        "Circuit breaker position (0 closed, 1 half open, 2 open).",
		ConstLabels: prometheus.Labels{"breaker": name},
	}, func() float64 { return float64(state()) }))
}

// Handler serves the exposition format for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
