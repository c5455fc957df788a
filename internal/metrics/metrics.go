// Package metrics holds the Prometheus instruments of the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hashmail"

// Metrics is a set of instruments registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	extractFailures *prometheus.CounterVec
	extractDuration prometheus.Histogram
	runs            *prometheus.CounterVec
	importRows      *prometheus.CounterVec
	mail            *prometheus.CounterVec
	webhookRejects  prometheus.Counter
}

// New creates and registers the instruments.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Inbound messages by command and result",
	}, []string{"command", "result"})
	m.extractFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extraction_failures_total",
		Help:      "Extraction failures by kind",
	}, []string{"kind"})
	m.extractDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "extraction_duration_seconds",
		Help:      "Time spent waiting for the extraction service",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30},
	})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_reconciled_total",
		Help:      "Runs created or updated from email",
	}, []string{"action"})
	m.importRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "import_rows_total",
		Help:      "CSV import rows by classification",
	}, []string{"result"})
	m.mail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mail_sent_total",
		Help:      "Outbound replies by result",
	}, []string{"result"})
	m.webhookRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_rejected_total",
		Help:      "Webhook calls rejected for a bad token",
	})

	m.registry.MustRegister(
		m.messages,
		m.extractFailures,
		m.extractDuration,
		m.runs,
		m.importRows,
		m.mail,
		m.webhookRejects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Message counts one handled inbound message.
func (m *Metrics) Message(command, result string) {
	m.messages.WithLabelValues(command, result).Inc()
}

// ExtractFailure counts one failed extraction.
func (m *Metrics) ExtractFailure(kind string) {
	m.extractFailures.WithLabelValues(kind).Inc()
}

// ExtractDuration records how long one extraction call took.
func (m *Metrics) ExtractDuration(seconds float64) {
	m.extractDuration.Observe(seconds)
}

// Run counts one reconciled run.
func (m *Metrics) Run(action string) {
	m.runs.WithLabelValues(action).Inc()
}

// ImportRows adds n rows with the given classification.
func (m *Metrics) ImportRows(result string, n int) {
	if n > 0 {
		m.importRows.WithLabelValues(result).Add(float64(n))
	}
}

// Mail counts one outbound reply attempt.
func (m *Metrics) Mail(result string) {
	m.mail.WithLabelValues(result).Inc()
}

// WebhookRejected counts one call with a bad token.
func (m *Metrics) WebhookRejected() {
	m.webhookRejects.Inc()
}
