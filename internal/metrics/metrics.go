package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Checkouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkouts_total",
			Help: "Checkout attempts by result",
		},
		[]string{"result"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Payment events processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	WebhookProcessingTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "webhook_processing_time_seconds",
			Help: "Time taken to apply a verified payment event",
		},
	)

	PropagationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "propagation_failures_total",
			Help: "Enrollment propagations that failed after retries",
		},
	)

	ReconciledPurchases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciled_purchases_total",
			Help: "Purchases changed by the reconciliation sweep, by action",
		},
		[]string{"action"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Checkouts, WebhookEvents, WebhookProcessingTime, PropagationFailures, ReconciledPurchases)
	})
}
