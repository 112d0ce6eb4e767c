package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange outcome labels for the exchanges_total counter.
const (
	OutcomeForwarded      = "forwarded"
	OutcomeBlocked        = "blocked"
	OutcomeDecodeError    = "decode_error"
	OutcomeTransportError = "transport_error"
	OutcomeSkipped        = "skipped"
)

// Metrics holds all Prometheus metrics for the relay.
// Pass to components that need to record metrics.
type Metrics struct {
	ExchangesTotal         *prometheus.CounterVec
	ExchangeDuration       prometheus.Histogram
	PendingRequests        prometheus.Gauge
	ResponsesFilteredTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ExchangesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wonder",
				Name:      "exchanges_total",
				Help:      "Total exchanges processed by the forwarder",
			},
			[]string{"outcome"},
		),
		ExchangeDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "wonder",
				Name:      "exchange_duration_seconds",
				Help:      "End-to-end exchange processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PendingRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wonder",
				Name:      "pending_requests",
				Help:      "Request entries visible in the last directory scan",
			},
		),
		ResponsesFilteredTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "wonder",
				Name:      "responses_filtered_total",
				Help:      "Responses whose body was replaced by the security gate",
			},
		),
	}
}
