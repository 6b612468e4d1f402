// Package metrics holds the Prometheus collectors of the admission gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "admission"

// Gate names used as label values.
const (
	GateIP         = "ip"
	GateCredential = "credential"
	GateRate       = "rate"
	GateRecorder   = "recorder"
	GateEscalation = "escalation"
)

// Decision results used as label values.
const (
	ResultAdmit    = "admit"
	ResultDeny     = "deny"
	ResultDegraded = "degraded"
)

// Metrics is passed to every component that records metrics.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	CheckDuration   *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	reg             prometheus.Gatherer
}

// New creates and registers all collectors with reg.
func New(reg *prometheus.Registry) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Gate decisions by gate and result",
			},
			[]string{"gate", "result"}, // result=admit/deny/degraded
		),
		StoreErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Store failures absorbed by a gate",
			},
			[]string{"gate"},
		),
		CheckDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Time spent in a gate check",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"gate"},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method and status class",
			},
			[]string{"method", "status"},
		),
		EventsPublished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Admission events handed to the event stream",
			},
			[]string{"type", "result"}, // result=ok/error
		),
		reg: reg,
	}
}

// ObserveCheck records one gate evaluation.
func (m *Metrics) ObserveCheck(gate, result string, started time.Time) {
	m.Decisions.WithLabelValues(gate, result).Inc()
	m.CheckDuration.WithLabelValues(gate).Observe(time.Since(started).Seconds())
}

func (m *Metrics) StoreError(gate string) {
	m.StoreErrors.WithLabelValues(gate).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
