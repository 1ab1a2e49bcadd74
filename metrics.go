package openiap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds the binding's Prometheus collectors
type Metrics struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	callsInFlight prometheus.Gauge

	// Callback metrics
	deliveriesTotal *prometheus.CounterVec
	discardedTotal  *prometheus.CounterVec
	timeoutsTotal   *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec
}

// newMetrics creates and registers the collectors on reg
func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openiap_native_calls_total",
				Help: "Total number of native calls",
			},
			[]string{"op", "status"},
		),

		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openiap_native_call_duration_seconds",
				Help:    "Native call duration in seconds, including bridge waits",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		callsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "openiap_native_calls_in_flight",
				Help: "Number of native calls currently in progress",
			},
		),

		deliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openiap_callback_deliveries_total",
				Help: "Total number of native callbacks delivered to handlers",
			},
			[]string{"kind"},
		),

		discardedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openiap_callback_discarded_total",
				Help: "Total number of callbacks with no registered handler",
			},
			[]string{"kind"},
		),

		timeoutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openiap_bridge_timeouts_total",
				Help: "Total number of blocking waits that timed out",
			},
			[]string{"op"},
		),

		subscriptions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "openiap_subscriptions",
				Help: "Number of live subscriptions",
			},
			[]string{"kind"},
		),
	}
}

// RecordCall records one facade operation
func (m *Metrics) RecordCall(op string, err error, duration time.Duration) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.callsTotal.WithLabelValues(op, status).Inc()
	m.callDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) recordDelivery(kind string) {
	m.deliveriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordDiscard(kind string) {
	m.discardedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordTimeout(op string) {
	m.timeoutsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) subscribed(kind string, delta float64) {
	m.subscriptions.WithLabelValues(kind).Add(delta)
}
