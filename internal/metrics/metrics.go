package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the push subsystem's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	Deactivations    prometheus.Counter
	Broadcasts       *prometheus.CounterVec
	DigestRuns       *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "push",
			Name:      "deliveries_total",
			Help:      "Push deliveries by outcome (success, transient, permanent, malformed).",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "push",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in one push service request.",
			Buckets:   prometheus.DefBuckets,
		}),
		Deactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "push",
			Name:      "deactivations_total",
			Help:      "Subscriptions deactivated after a permanent delivery failure.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "push",
			Name:      "broadcasts_total",
			Help:      "Broadcasts by category and result (sent, failed, skipped, no_subscriptions, error).",
		}, []string{"category", "result"}),
		DigestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Name:      "runs_total",
			Help:      "Scheduler firings by result (completed, skipped_overlap, skipped_locked, failed).",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.Deliveries,
		m.DeliveryDuration,
		m.Deactivations,
		m.Broadcasts,
		m.DigestRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveDeactivation() {
	if m == nil {
		return
	}
	m.Deactivations.Inc()
}

func (m *Metrics) ObserveBroadcast(category, result string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(category, result).Inc()
}

func (m *Metrics) ObserveDigestRun(result string) {
	if m == nil {
		return
	}
	m.DigestRuns.WithLabelValues(result).Inc()
}
